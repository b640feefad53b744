package audiocore

import (
	"fmt"
	"io"
	"time"

	"github.com/tphakala/audiomixer/internal/errors"
)

const (
	// DefaultPullFrames is the number of frames a pull adapter reads when the
	// caller does not supply a buffer.
	DefaultPullFrames = 1024

	// fallbackFrameSize is used when a stream format has no determinable frame size.
	fallbackFrameSize = 4
)

// AdapterOptions configures AdaptStream.
type AdapterOptions struct {
	SourceID   string // stamped on every AudioData produced
	PullFrames int    // frames per pull read, DefaultPullFrames if zero
}

// AdaptStream turns any elementary stream into a BufferStream.
//
// BufferStreams are returned unchanged, push streams are read in chunks of
// their minimum transfer size and pull streams in chunks of PullFrames frames.
// Any other stream type is a configuration error.
func AdaptStream(s SourceStream, opts AdapterOptions) (BufferStream, error) {
	if opts.PullFrames <= 0 {
		opts.PullFrames = DefaultPullFrames
	}

	// Push streams also satisfy PullSourceStream, so they are matched first
	switch stream := s.(type) {
	case BufferStream:
		return stream, nil
	case PushSourceStream:
		return newPushAdapter(stream, opts), nil
	case PullSourceStream:
		return newPullAdapter(stream, opts), nil
	case nil:
		return nil, NewConfigurationError(errors.NewStd("cannot adapt nil stream")).
			Context("operation", "adapt_stream").
			Build()
	default:
		return nil, NewConfigurationError(fmt.Errorf("unsupported stream type %T", s)).
			Context("operation", "adapt_stream").
			Context("source_id", opts.SourceID).
			Build()
	}
}

// bufferedStream is the core shared by the push and pull adapters.
type bufferedStream struct {
	format   AudioFormat
	sourceID string
	read     func(p []byte) (int, error)
	sequence uint64
	partial  []byte // trailing bytes of an incomplete frame
}

func (b *bufferedStream) Format() AudioFormat {
	return b.format
}

// frameSize returns the frame size used for chunking.
func (b *bufferedStream) frameSize() int {
	if fs := b.format.FrameSize(); fs > 0 {
		return fs
	}
	return fallbackFrameSize
}

// fill reads into p and publishes a copy of the valid bytes in data.
// Only whole frames are published; an incomplete trailing frame is held back
// for the next read and flushed at EOS. Zero bytes is not an error, io.EOF
// sets data.EOS.
func (b *bufferedStream) fill(data *AudioData, p []byte) error {
	n, err := b.read(p)
	eos := false
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return err
		}
		eos = true
	}

	n = max(min(n, len(p)), 0)
	out := make([]byte, len(b.partial)+n)
	copy(out, b.partial)
	copy(out[len(b.partial):], p[:n])
	b.partial = b.partial[:0]
	if tail := len(out) % b.frameSize(); tail > 0 && !eos {
		b.partial = append(b.partial, out[len(out)-tail:]...)
		out = out[:len(out)-tail]
	}

	data.Buffer = out
	data.Format = b.format
	data.Timestamp = time.Now()
	data.Duration = b.format.Duration(len(out))
	data.SourceID = b.sourceID
	data.EOS = eos
	if len(out) > 0 {
		b.sequence++
	}
	data.Sequence = b.sequence
	return nil
}

// pushAdapter reads a PushSourceStream in units of its minimum transfer size.
type pushAdapter struct {
	bufferedStream
	stream  PushSourceStream
	scratch []byte
}

func newPushAdapter(stream PushSourceStream, opts AdapterOptions) *pushAdapter {
	return &pushAdapter{
		bufferedStream: bufferedStream{
			format:   stream.Format(),
			sourceID: opts.SourceID,
			read:     stream.Read,
		},
		stream: stream,
	}
}

// Read pulls one transfer unit from the push stream, rounded up to whole frames.
func (a *pushAdapter) Read(data *AudioData) error {
	fs := a.frameSize()
	size := a.stream.MinimumTransferSize()
	if size < 1 {
		size = fs
	}
	if rem := size % fs; rem != 0 {
		size += fs - rem
	}
	if cap(a.scratch) < size {
		a.scratch = make([]byte, size)
	}
	return a.fill(data, a.scratch[:size])
}

// SetTransferHandler forwards to the wrapped push stream.
func (a *pushAdapter) SetTransferHandler(handler TransferHandler) {
	a.stream.SetTransferHandler(handler)
}

// pullAdapter reads a PullSourceStream into the caller's buffer or its own.
type pullAdapter struct {
	bufferedStream
	scratch []byte
}

func newPullAdapter(stream PullSourceStream, opts AdapterOptions) *pullAdapter {
	a := &pullAdapter{
		bufferedStream: bufferedStream{
			format:   stream.Format(),
			sourceID: opts.SourceID,
			read:     stream.Read,
		},
	}
	a.scratch = make([]byte, opts.PullFrames*a.frameSize())
	return a
}

// Read fills data from the pull stream. A data.Buffer holding at least one
// frame is used as the read target, trimmed to whole frames, otherwise the
// adapter's own backing array is.
func (a *pullAdapter) Read(data *AudioData) error {
	p := a.scratch
	if fs := a.frameSize(); len(data.Buffer) >= fs {
		p = data.Buffer[:len(data.Buffer)-len(data.Buffer)%fs]
	}
	return a.fill(data, p)
}
