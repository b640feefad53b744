package audiocore

import (
	"context"
	"time"
)

// AudioFormat represents the format of audio data
type AudioFormat struct {
	SampleRate int    // Sample rate in Hz (e.g., 48000)
	Channels   int    // Number of channels (1 for mono, 2 for stereo)
	BitDepth   int    // Bits per sample (e.g., 16, 24, 32), 0 derives it from Encoding
	Encoding   string // Encoding format (e.g., "pcm_s16le", "pcm_f32le")
}

// AudioData represents a chunk of audio with metadata
type AudioData struct {
	Buffer    []byte        // Raw audio data, exactly the valid bytes
	Format    AudioFormat   // Audio format information
	Timestamp time.Time     // When this audio was produced
	Duration  time.Duration // Duration of the audio chunk
	SourceID  string        // Identifier of the source that produced this audio
	Sequence  uint64        // Monotonic sequence number within the stream
	EOS       bool          // Set once the stream has ended
}

// TransferHandler is invoked by a push stream when new data is ready.
// Implementations must not block.
type TransferHandler func()

// SourceStream is the common base of every elementary stream a source exposes.
type SourceStream interface {
	// Format returns the audio format of the stream
	Format() AudioFormat
}

// PushSourceStream is a byte-oriented stream that announces data through a
// transfer handler. Read never blocks.
type PushSourceStream interface {
	SourceStream

	// Read copies available bytes into p
	Read(p []byte) (int, error)

	// MinimumTransferSize returns the preferred read size in bytes
	MinimumTransferSize() int

	// SetTransferHandler installs the data-ready callback, nil removes it
	SetTransferHandler(handler TransferHandler)
}

// PullSourceStream is a byte-oriented stream whose Read may block.
type PullSourceStream interface {
	SourceStream

	// Read copies bytes into p, returning io.EOF at end of stream
	Read(p []byte) (int, error)
}

// BufferStream is a buffer-oriented stream.
//
// Read fills data.Buffer with exactly the valid bytes. An empty buffer
// without EOS means no data was available this cycle.
type BufferStream interface {
	SourceStream

	// Read fills data with the next chunk of audio
	Read(data *AudioData) error
}

// PushBufferStream is a BufferStream that announces data through a transfer handler.
type PushBufferStream interface {
	BufferStream

	// SetTransferHandler installs the data-ready callback, nil removes it
	SetTransferHandler(handler TransferHandler)
}

// DataSource is a producer of one or more elementary streams.
type DataSource interface {
	// ID returns an identifier for this source
	ID() string

	// Connect acquires the resources behind the source. Connecting a
	// connected source is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the resources acquired by Connect
	Disconnect() error

	// Start begins data transfer
	Start(ctx context.Context) error

	// Stop halts data transfer
	Stop() error

	// Streams returns the elementary streams, valid only while connected
	Streams() []SourceStream
}

// FormatControl lets a consumer negotiate the format a source produces.
type FormatControl interface {
	// Format returns the current format
	Format() AudioFormat

	// SetFormat requests a format and returns the one in effect. An error
	// means the request was refused.
	SetFormat(format AudioFormat) (AudioFormat, error)

	// SupportedFormats lists the formats the source can produce
	SupportedFormats() []AudioFormat
}

// FormatControllable is implemented by sources that expose a FormatControl.
type FormatControllable interface {
	FormatControl() FormatControl
}

// AudioProcessor processes audio data
type AudioProcessor interface {
	// ID returns a unique identifier for this processor
	ID() string

	// Process transforms audio data
	Process(ctx context.Context, input *AudioData) (*AudioData, error)

	// GetRequiredFormat returns the audio format this processor requires
	// Returns nil if the processor can handle any format
	GetRequiredFormat() *AudioFormat

	// GetOutputFormat returns the audio format this processor outputs
	// given an input format
	GetOutputFormat(inputFormat AudioFormat) AudioFormat
}

// ProcessorChain represents a sequence of audio processors
type ProcessorChain interface {
	// AddProcessor adds a processor to the chain
	AddProcessor(processor AudioProcessor) error

	// RemoveProcessor removes a processor from the chain
	RemoveProcessor(id string) error

	// Process runs audio through the entire chain
	Process(ctx context.Context, input *AudioData) (*AudioData, error)

	// GetProcessors returns all processors in order
	GetProcessors() []AudioProcessor

	// OutputFormat returns the format produced for the given input format
	OutputFormat(inputFormat AudioFormat) AudioFormat
}

// AudioBuffer represents a reusable audio buffer
type AudioBuffer interface {
	// Data returns the underlying byte slice
	Data() []byte

	// Len returns the current length of valid data
	Len() int

	// Cap returns the capacity of the buffer
	Cap() int

	// Reset clears the buffer
	Reset()

	// Resize changes the buffer size
	Resize(newSize int) error

	// Slice returns a slice of the buffer
	Slice(start, end int) ([]byte, error)

	// Acquire increments the reference count
	Acquire()

	// Release decrements the reference count and returns to pool if zero
	Release()
}

// BufferPool manages reusable audio buffers
type BufferPool interface {
	// Get retrieves a buffer of at least the specified size
	Get(size int) AudioBuffer

	// Put returns a buffer to the pool
	Put(buffer AudioBuffer)

	// Stats returns statistics about the pool
	Stats() BufferPoolStats

	// TierStats returns statistics for a specific tier
	TierStats(tier string) (BufferPoolStats, bool)

	// ReportMetrics reports per-tier metrics to the metrics collector
	ReportMetrics()
}

// BufferPoolStats contains statistics about buffer pool usage
type BufferPoolStats struct {
	TotalBuffers   int
	ActiveBuffers  int
	TotalAllocated int64
	HitRate        float64
}

// BufferPoolConfig contains configuration for buffer pools
type BufferPoolConfig struct {
	SmallBufferSize   int // Size for small buffers (e.g., 4KB)
	MediumBufferSize  int // Size for medium buffers (e.g., 64KB)
	LargeBufferSize   int // Size for large buffers (e.g., 1MB)
	MaxBuffersPerSize int // Maximum buffers to keep per size category
	EnableMetrics     bool
}

// DefaultBufferPoolConfig returns tiers sized for typical tick payloads.
func DefaultBufferPoolConfig() BufferPoolConfig {
	return BufferPoolConfig{
		SmallBufferSize:   4 * 1024,
		MediumBufferSize:  64 * 1024,
		LargeBufferSize:   1024 * 1024,
		MaxBuffersPerSize: 32,
		EnableMetrics:     true,
	}
}
