package audiocore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
)

// TranscodingDataSource wraps a DataSource and presents its streams in a
// target format. Streams that already match pass through untouched; the rest
// are converted through a ProcessorChain resolved from a CodecRegistry.
type TranscodingDataSource struct {
	input    DataSource
	target   AudioFormat
	registry *CodecRegistry
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	tracks    []SourceStream
}

// NewTranscodingDataSource creates a wrapper converting input to target.
// A nil registry uses the default linear PCM registry.
func NewTranscodingDataSource(input DataSource, target AudioFormat, registry *CodecRegistry) *TranscodingDataSource {
	if registry == nil {
		registry = NewDefaultCodecRegistry(DefaultCodecCacheTTL)
	}

	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}

	return &TranscodingDataSource{
		input:    input,
		target:   target,
		registry: registry,
		logger:   logger.With("component", "transcoding", "source_id", input.ID()),
	}
}

// ID returns the ID of the wrapped source
func (t *TranscodingDataSource) ID() string {
	return t.input.ID()
}

// Input returns the wrapped source
func (t *TranscodingDataSource) Input() DataSource {
	return t.input
}

// Connect connects the wrapped source and realizes one track per stream.
// It fails when no stream can be brought to the target format.
func (t *TranscodingDataSource) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	if err := t.input.Connect(ctx); err != nil {
		return NewConnectError(err).
			Context("operation", "transcoding_connect").
			Context("source_id", t.input.ID()).
			Build()
	}

	var (
		tracks      []SourceStream
		unsupported []string
	)
	for _, stream := range t.input.Streams() {
		track, err := t.realizeTrack(stream)
		if err != nil {
			unsupported = append(unsupported, stream.Format().Encoding)
			if t.logger.Enabled(ctx, slog.LevelDebug) {
				t.logger.Debug("stream cannot be transcoded",
					"from", stream.Format().String(),
					"to", t.target.String(),
					"error", err)
			}
			continue
		}
		tracks = append(tracks, track)
	}

	if len(tracks) == 0 {
		if err := t.input.Disconnect(); err != nil {
			t.logger.Warn("failed to disconnect untranscodable source", "error", err)
		}
		return NewTranscodeError(fmt.Errorf("no stream of %s converts to %s", t.input.ID(), t.target.Encoding)).
			Context("operation", "transcoding_connect").
			Context("source_id", t.input.ID()).
			Context("unsupported_encodings", unsupported).
			Build()
	}

	t.tracks = tracks
	t.connected = true
	return nil
}

// realizeTrack returns the stream itself when it already matches the target,
// otherwise a converting track.
func (t *TranscodingDataSource) realizeTrack(stream SourceStream) (SourceStream, error) {
	if stream.Format().Matches(t.target) {
		return stream, nil
	}

	chain, format, err := t.registry.Resolve(stream.Format(), t.target)
	if err != nil {
		return nil, err
	}

	adapted, err := AdaptStream(stream, AdapterOptions{SourceID: t.input.ID()})
	if err != nil {
		return nil, err
	}

	track := &transcodingTrack{stream: adapted, chain: chain, format: format}
	if push, ok := adapted.(PushBufferStream); ok {
		return &pushTranscodingTrack{transcodingTrack: track, push: push}, nil
	}
	return track, nil
}

// Disconnect drops the tracks and disconnects the wrapped source
func (t *TranscodingDataSource) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false
	t.tracks = nil
	return t.input.Disconnect()
}

// Start forwards to the wrapped source
func (t *TranscodingDataSource) Start(ctx context.Context) error {
	return t.input.Start(ctx)
}

// Stop forwards to the wrapped source
func (t *TranscodingDataSource) Stop() error {
	return t.input.Stop()
}

// Streams returns the realized tracks, empty while disconnected
func (t *TranscodingDataSource) Streams() []SourceStream {
	t.mu.Lock()
	defer t.mu.Unlock()

	streams := make([]SourceStream, len(t.tracks))
	copy(streams, t.tracks)
	return streams
}

// FormatControl exposes the target format
func (t *TranscodingDataSource) FormatControl() FormatControl {
	return targetFormatControl{target: t.target}
}

// targetFormatControl accepts only formats matching its target.
type targetFormatControl struct {
	target AudioFormat
}

func (c targetFormatControl) Format() AudioFormat { return c.target }

func (c targetFormatControl) SetFormat(format AudioFormat) (AudioFormat, error) {
	if !format.Matches(c.target) {
		return c.target, NewConfigurationError(errors.NewStd("transcoding target is fixed")).
			FormatContext(format, c.target).
			Context("operation", "set_format").
			Build()
	}
	return c.target, nil
}

func (c targetFormatControl) SupportedFormats() []AudioFormat {
	return []AudioFormat{c.target}
}

// transcodingTrack converts every buffer read from a stream.
type transcodingTrack struct {
	stream  BufferStream
	chain   ProcessorChain
	format  AudioFormat
	scratch []byte
}

func (tr *transcodingTrack) Format() AudioFormat {
	return tr.format
}

// sourceBuffer turns a read buffer sized in target bytes into one holding
// the same number of whole frames of the source encoding.
func (tr *transcodingTrack) sourceBuffer(n int) []byte {
	target, source := tr.format.FrameSize(), tr.stream.Format().FrameSize()
	if target <= 0 || source <= 0 || n < target {
		return nil
	}
	size := n / target * source
	if cap(tr.scratch) < size {
		tr.scratch = make([]byte, size)
	}
	return tr.scratch[:size]
}

// Read reads the source stream and converts the result. A caller buffer
// bounds the read in frames of the target format.
func (tr *transcodingTrack) Read(data *AudioData) error {
	if len(data.Buffer) > 0 {
		data.Buffer = tr.sourceBuffer(len(data.Buffer))
	}
	if err := tr.stream.Read(data); err != nil {
		return err
	}
	if len(data.Buffer) == 0 {
		data.Format = tr.format
		return nil
	}

	out, err := tr.chain.Process(context.TODO(), data)
	if err != nil {
		return NewTranscodeError(err).
			Context("operation", "transcode_buffer").
			Context("source_id", data.SourceID).
			Build()
	}
	*data = *out
	return nil
}

// pushTranscodingTrack forwards transfer handlers to a push stream.
type pushTranscodingTrack struct {
	*transcodingTrack
	push PushBufferStream
}

func (tr *pushTranscodingTrack) SetTransferHandler(handler TransferHandler) {
	tr.push.SetTransferHandler(handler)
}
