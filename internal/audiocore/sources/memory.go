package sources

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
)

// DefaultMemoryCapacity is the ring buffer size of a MemoryPushSource in bytes.
const DefaultMemoryCapacity = 64 * 1024

// ErrBufferFull is returned by MemoryPushSource.Write when the ring buffer
// cannot take the whole write.
var ErrBufferFull = errors.Newf("memory source buffer full").
	Component(audiocore.ComponentAudioCore).
	Category(errors.CategoryBuffer).
	Build()

// MemoryOption configures a MemoryPushSource.
type MemoryOption func(*MemoryPushSource)

// WithSupportedFormats sets the formats the source accepts through its FormatControl.
func WithSupportedFormats(formats ...audiocore.AudioFormat) MemoryOption {
	return func(s *MemoryPushSource) {
		s.supported = append([]audiocore.AudioFormat(nil), formats...)
	}
}

// WithMinimumTransferSize sets the preferred read size of the stream in bytes.
func WithMinimumTransferSize(n int) MemoryOption {
	return func(s *MemoryPushSource) {
		s.minTransfer = n
	}
}

// WithCapacity sets the ring buffer size in bytes.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryPushSource) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// MemoryPushSource is a push DataSource fed through Write. Data is held in a
// ring buffer and announced to the consumer through the stream's transfer
// handler once the source is started.
type MemoryPushSource struct {
	id          string
	capacity    int
	minTransfer int
	supported   []audiocore.AudioFormat

	mu        sync.Mutex
	format    audiocore.AudioFormat
	connected bool
	started   bool
	stream    *memoryPushStream
}

// NewMemoryPushSource creates a push source producing format.
func NewMemoryPushSource(id string, format audiocore.AudioFormat, opts ...MemoryOption) *MemoryPushSource {
	s := &MemoryPushSource{
		id:       id,
		format:   format,
		capacity: DefaultMemoryCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.supported) == 0 {
		s.supported = []audiocore.AudioFormat{format}
	}
	s.stream = newMemoryPushStream(s)
	return s
}

// ID returns the source identifier
func (s *MemoryPushSource) ID() string {
	return s.id
}

// Connect makes the stream available. Connecting twice is a no-op.
func (s *MemoryPushSource) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect drops any buffered data and hides the stream.
func (s *MemoryPushSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	s.started = false
	s.stream.reset()
	return nil
}

// Start enables transfer notifications and announces data already buffered.
func (s *MemoryPushSource) Start(_ context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errors.New(errors.NewStd("source not connected")).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryState).
			Context("source_id", s.id).
			Context("operation", "start").
			Build()
	}
	s.started = true
	s.mu.Unlock()

	if !s.stream.rb.IsEmpty() || s.stream.closed.Load() {
		s.stream.announce()
	}
	return nil
}

// Stop disables transfer notifications
func (s *MemoryPushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Streams returns the single push stream while connected
func (s *MemoryPushSource) Streams() []audiocore.SourceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return []audiocore.SourceStream{s.stream}
}

// FormatControl exposes format negotiation over the supported formats
func (s *MemoryPushSource) FormatControl() audiocore.FormatControl {
	return (*memoryFormatControl)(s)
}

// Write appends p to the ring buffer. The write is all or nothing.
func (s *MemoryPushSource) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.stream.closed.Load() {
		return 0, errors.New(io.ErrClosedPipe).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryState).
			Context("source_id", s.id).
			Build()
	}

	s.stream.writeMu.Lock()
	if s.stream.rb.Free() < len(p) {
		s.stream.writeMu.Unlock()
		return 0, ErrBufferFull
	}
	n, err := s.stream.rb.Write(p)
	s.stream.writeMu.Unlock()
	if err != nil {
		return n, errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryBuffer).
			Context("source_id", s.id).
			Context("operation", "write").
			Build()
	}

	if s.isStarted() {
		s.stream.announce()
	}
	return n, nil
}

// CloseWrite marks the end of the stream. Reads return io.EOF once the
// buffered data is drained.
func (s *MemoryPushSource) CloseWrite() {
	if s.stream.closed.Swap(true) {
		return
	}
	if s.isStarted() {
		s.stream.announce()
	}
}

// Buffered returns the number of unread bytes
func (s *MemoryPushSource) Buffered() int {
	return s.stream.rb.Length()
}

func (s *MemoryPushSource) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *MemoryPushSource) currentFormat() audiocore.AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// memoryFormatControl accepts any format listed as supported.
type memoryFormatControl MemoryPushSource

func (c *memoryFormatControl) Format() audiocore.AudioFormat {
	return (*MemoryPushSource)(c).currentFormat()
}

func (c *memoryFormatControl) SetFormat(format audiocore.AudioFormat) (audiocore.AudioFormat, error) {
	s := (*MemoryPushSource)(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.supported {
		if f.Matches(format) && f.SampleRate == format.SampleRate && f.Channels == format.Channels {
			s.format = f
			return f, nil
		}
	}
	return s.format, audiocore.NewConfigurationError(errors.NewStd("format not supported by source")).
		FormatContext(format, s.format).
		Context("source_id", s.id).
		Context("operation", "set_format").
		Build()
}

func (c *memoryFormatControl) SupportedFormats() []audiocore.AudioFormat {
	return append([]audiocore.AudioFormat(nil), c.supported...)
}

// memoryPushStream is the PushSourceStream of a MemoryPushSource.
type memoryPushStream struct {
	source  *MemoryPushSource
	rb      *ringbuffer.RingBuffer
	writeMu sync.Mutex
	closed  atomic.Bool

	handlerMu sync.RWMutex
	handler   audiocore.TransferHandler
}

func newMemoryPushStream(source *MemoryPushSource) *memoryPushStream {
	return &memoryPushStream{
		source: source,
		rb:     ringbuffer.New(source.capacity),
	}
}

func (m *memoryPushStream) Format() audiocore.AudioFormat {
	return m.source.currentFormat()
}

// Read never blocks: an empty buffer yields zero bytes, or io.EOF after CloseWrite.
func (m *memoryPushStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := m.rb.Read(p)
	switch {
	case errors.Is(err, ringbuffer.ErrIsEmpty):
		if m.closed.Load() {
			return 0, io.EOF
		}
		return 0, nil
	case err != nil:
		return n, err
	}
	return n, nil
}

func (m *memoryPushStream) MinimumTransferSize() int {
	if m.source.minTransfer > 0 {
		return m.source.minTransfer
	}
	return m.Format().FrameSize()
}

func (m *memoryPushStream) SetTransferHandler(handler audiocore.TransferHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = handler
}

func (m *memoryPushStream) announce() {
	m.handlerMu.RLock()
	handler := m.handler
	m.handlerMu.RUnlock()
	if handler != nil {
		handler()
	}
}

func (m *memoryPushStream) reset() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.rb.Reset()
	m.closed.Store(false)
}

// MemoryPullSource is a pull DataSource replaying a fixed byte slice.
// Every Connect rewinds to the start.
type MemoryPullSource struct {
	id     string
	format audiocore.AudioFormat
	data   []byte

	mu     sync.Mutex
	stream *memoryPullStream
}

// NewMemoryPullSource creates a pull source over data in format.
func NewMemoryPullSource(id string, format audiocore.AudioFormat, data []byte) *MemoryPullSource {
	return &MemoryPullSource{id: id, format: format, data: data}
}

// ID returns the source identifier
func (s *MemoryPullSource) ID() string {
	return s.id
}

// Connect rewinds the data. Connecting twice is a no-op.
func (s *MemoryPullSource) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		s.stream = &memoryPullStream{format: s.format, reader: bytes.NewReader(s.data)}
	}
	return nil
}

// Disconnect drops the stream
func (s *MemoryPullSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = nil
	return nil
}

// Start is a no-op for memory data
func (s *MemoryPullSource) Start(_ context.Context) error { return nil }

// Stop is a no-op for memory data
func (s *MemoryPullSource) Stop() error { return nil }

// Streams returns the single pull stream while connected
func (s *MemoryPullSource) Streams() []audiocore.SourceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return []audiocore.SourceStream{s.stream}
}

type memoryPullStream struct {
	format audiocore.AudioFormat
	reader *bytes.Reader
}

func (m *memoryPullStream) Format() audiocore.AudioFormat { return m.format }

func (m *memoryPullStream) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}
