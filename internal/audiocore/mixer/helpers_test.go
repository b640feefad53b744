package mixer

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/audiocore/sources"
)

var s16Mono = audiocore.AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, Encoding: audiocore.EncodingPCMS16LE}

// pcm16 encodes samples as little endian 16-bit PCM.
func pcm16(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// samples16 decodes little endian 16-bit PCM.
func samples16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func newTestMixer(t *testing.T, cfg Config) *Mixer {
	t.Helper()
	if cfg.Format.Encoding == "" {
		cfg.Format = s16Mono
	}
	if cfg.ID == "" {
		cfg.ID = t.Name()
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

// pullInput returns a memory pull source replaying samples as s16 mono.
func pullInput(id string, samples ...int16) *sources.MemoryPullSource {
	return sources.NewMemoryPullSource(id, s16Mono, pcm16(samples...))
}

// openOutput connects and starts o and returns its stream. The output is
// disconnected when the test ends.
func openOutput(t *testing.T, o *Output) audiocore.BufferStream {
	t.Helper()
	require.NoError(t, o.Connect(t.Context()))
	t.Cleanup(func() { _ = o.Disconnect() })

	streams := o.Streams()
	require.Len(t, streams, 1)
	require.NoError(t, o.Start(t.Context()))

	stream, ok := streams[0].(audiocore.BufferStream)
	require.True(t, ok)
	return stream
}

// readMix reads one chunk from s and decodes it.
func readMix(t *testing.T, s audiocore.BufferStream) ([]int16, bool) {
	t.Helper()
	var data audiocore.AudioData
	require.NoError(t, s.Read(&data))
	return samples16(data.Buffer), data.EOS
}

// signal returns a transfer handler and a channel receiving its calls.
func signal() (audiocore.TransferHandler, <-chan struct{}) {
	ch := make(chan struct{}, 64)
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transfer handler")
	}
}

// countingSource records lifecycle calls made on the wrapped source.
type countingSource struct {
	audiocore.DataSource

	mu          sync.Mutex
	connects    int
	disconnects int
	starts      int
	stops       int
	connectErr  error
	okConnects  int // connect calls that succeed before connectErr applies
}

func counting(src audiocore.DataSource) *countingSource {
	return &countingSource{DataSource: src}
}

func (c *countingSource) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	if c.connects <= c.okConnects {
		err = nil
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.DataSource.Connect(ctx)
}

func (c *countingSource) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	return c.DataSource.Disconnect()
}

func (c *countingSource) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return c.DataSource.Start(ctx)
}

func (c *countingSource) Stop() error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	return c.DataSource.Stop()
}

func (c *countingSource) counts() (connects, disconnects, starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, c.starts, c.stops
}

// streamSource exposes fixed streams, for feeding the engine directly.
type streamSource struct {
	id      string
	streams []audiocore.SourceStream
}

func (s *streamSource) ID() string                        { return s.id }
func (s *streamSource) Connect(context.Context) error     { return nil }
func (s *streamSource) Disconnect() error                 { return nil }
func (s *streamSource) Start(context.Context) error       { return nil }
func (s *streamSource) Stop() error                       { return nil }
func (s *streamSource) Streams() []audiocore.SourceStream { return s.streams }

// fixedBufferStream returns the same chunk on every read.
type fixedBufferStream struct {
	format audiocore.AudioFormat
	chunk  []byte
}

func (f *fixedBufferStream) Format() audiocore.AudioFormat { return f.format }

func (f *fixedBufferStream) Read(data *audiocore.AudioData) error {
	data.Buffer = append(data.Buffer[:0], f.chunk...)
	data.Format = f.format
	return nil
}

// failingStream fails every read with err.
type failingStream struct {
	err error
}

func (f *failingStream) Format() audiocore.AudioFormat { return s16Mono }

func (f *failingStream) Read(*audiocore.AudioData) error { return f.err }

// lastChunkStream is a push stream that delivers its only chunk together
// with end of stream.
type lastChunkStream struct {
	chunk     []byte
	delivered bool // touched only by the reader

	mu      sync.Mutex
	handler audiocore.TransferHandler
}

func (s *lastChunkStream) Format() audiocore.AudioFormat { return s16Mono }

func (s *lastChunkStream) Read(data *audiocore.AudioData) error {
	data.Format = s16Mono
	data.Buffer = data.Buffer[:0]
	if !s.delivered {
		data.Buffer = append(data.Buffer, s.chunk...)
		s.delivered = true
	}
	data.EOS = true
	return nil
}

func (s *lastChunkStream) SetTransferHandler(handler audiocore.TransferHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// transfer announces the chunk.
func (s *lastChunkStream) transfer() {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}
