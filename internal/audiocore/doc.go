// Package audiocore provides the building blocks of the mixing pipeline.
//
// # Streams and sources
//
// A DataSource exposes elementary streams once connected. Streams come in
// three shapes: PushSourceStream announces data through a TransferHandler and
// never blocks, PullSourceStream may block on Read, and BufferStream delivers
// whole AudioData chunks. AdaptStream presents any of them as a BufferStream.
//
// # Format negotiation
//
// AudioFormat.Matches compares encodings only. Sources implementing
// FormatControllable may be asked to switch format; sources that cannot are
// wrapped in a TranscodingDataSource, which converts each stream through a
// ProcessorChain resolved by a CodecRegistry. The default registry converts
// between linear PCM encodings and never resamples or remixes channels.
//
// # Buffer Lifecycle
//
// Buffers obtained from BufferPool are reference counted:
//
//	buffer := pool.Get(size)
//	defer buffer.Release()
//
// Data published by adapters and transcoding tracks is always a fresh copy,
// so consumers may keep it after the next Read.
//
// # Error Handling
//
// Errors use the enhanced error system. ErrConfiguration, ErrConnect,
// ErrFormat and ErrTranscode match any error of the same category:
//
//	if errors.Is(err, audiocore.ErrTranscode) {
//	    // no conversion path to the mix format
//	}
package audiocore
