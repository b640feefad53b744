// Package malgo provides a soundcard capture DataSource built on miniaudio.
package malgo

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
)

// Config contains configuration for a capture source
type Config struct {
	DeviceName   string
	SampleRate   uint32
	Channels     uint8
	BufferFrames uint32
	Encoding     string // requested capture encoding, pcm_s16le if empty
}

// CaptureSource is a push DataSource capturing from a soundcard. Captured
// periods land in a ring buffer and are announced to the consumer through
// the stream transfer handler.
type CaptureSource struct {
	id     string
	logger *slog.Logger

	mu      sync.Mutex
	config  Config
	format  audiocore.AudioFormat
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	stream  atomic.Pointer[captureStream]
	started atomic.Bool
}

// NewCaptureSource creates a capture source. Zero config values take defaults.
func NewCaptureSource(id string, config Config) (*CaptureSource, error) {
	if config.SampleRate == 0 {
		config.SampleRate = 48000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.BufferFrames == 0 {
		config.BufferFrames = 512
	}
	if config.Encoding == "" {
		config.Encoding = audiocore.EncodingPCMS16LE
	}
	if _, ok := FormatForEncoding(config.Encoding); !ok {
		return nil, audiocore.NewConfigurationError(errors.NewStd("encoding cannot be captured")).
			Context("source_id", id).
			Context("encoding", config.Encoding).
			Build()
	}

	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}

	s := &CaptureSource{
		id:     id,
		config: config,
		logger: logger.With("component", "malgo", "source_id", id),
	}
	s.format = s.requestedFormat()
	return s, nil
}

// ID returns a unique identifier for this source
func (s *CaptureSource) ID() string {
	return s.id
}

// Connect opens the capture device. The device format may differ from the
// requested one; the stream reports what the device delivers.
func (s *CaptureSource) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil
	}

	mctx, infos, err := openCaptureContext()
	if err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("source_id", s.id).
			Build()
	}
	deviceInfo, err := SelectDevice(infos, s.config.DeviceName)
	if err != nil {
		_ = closeContext(mctx)
		return err
	}

	captureFormat, _ := FormatForEncoding(s.format.Encoding)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = captureFormat
	deviceConfig.Capture.Channels = uint32(s.config.Channels)
	deviceConfig.Capture.DeviceID = deviceInfo.ID.Pointer()
	deviceConfig.SampleRate = s.config.SampleRate
	deviceConfig.PeriodSizeInFrames = s.config.BufferFrames
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onAudioData,
		Stop: s.onDeviceStop,
	})
	if err != nil {
		_ = closeContext(mctx)
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("source_id", s.id).
			Context("device_name", deviceInfo.Name()).
			Context("operation", "init_device").
			Build()
	}

	actual := s.format
	actual.SampleRate = int(device.SampleRate())
	if encoding, err := EncodingForFormat(device.CaptureFormat()); err == nil {
		bytesPerSample, _ := GetFormatInfo(device.CaptureFormat())
		actual.Encoding = encoding
		actual.BitDepth = bytesPerSample * 8
	}
	if !actual.Equal(s.format) {
		s.logger.Info("capture device format differs from request",
			"requested", s.format.String(),
			"actual", actual.String())
	}

	s.mctx = mctx
	s.device = device
	s.stream.Store(newCaptureStream(actual, s.config.BufferFrames))

	s.logger.Info("capture device opened",
		"device_name", deviceInfo.Name(),
		"format", actual.String())
	return nil
}

// Disconnect releases the device and the miniaudio context
func (s *CaptureSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}
	if s.started.Swap(false) {
		_ = s.device.Stop()
	}
	s.device.Uninit()
	s.device = nil

	err := closeContext(s.mctx)
	s.mctx = nil
	s.stream.Store(nil)

	if err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("source_id", s.id).
			Context("operation", "uninit_context").
			Build()
	}
	return nil
}

// Start begins capture
func (s *CaptureSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return errors.New(errors.NewStd("capture device not connected")).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryState).
			Context("source_id", s.id).
			Build()
	}
	if s.started.Load() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("source_id", s.id).
			Context("operation", "start_device").
			Build()
	}
	s.started.Store(true)
	return nil
}

// Stop halts capture. Stopping a stopped source is a no-op.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil || !s.started.Swap(false) {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioSource).
			Context("source_id", s.id).
			Context("operation", "stop_device").
			Build()
	}
	return nil
}

// Streams returns the capture stream while connected
func (s *CaptureSource) Streams() []audiocore.SourceStream {
	stream := s.stream.Load()
	if stream == nil {
		return nil
	}
	return []audiocore.SourceStream{stream}
}

// FormatControl lets the mixer request a capture encoding before Connect.
func (s *CaptureSource) FormatControl() audiocore.FormatControl {
	return (*captureFormatControl)(s)
}

// IsActive returns true if the source is currently capturing
func (s *CaptureSource) IsActive() bool {
	return s.started.Load()
}

func (s *CaptureSource) requestedFormat() audiocore.AudioFormat {
	captureFormat, _ := FormatForEncoding(s.config.Encoding)
	bytesPerSample, _ := GetFormatInfo(captureFormat)
	return audiocore.AudioFormat{
		SampleRate: int(s.config.SampleRate),
		Channels:   int(s.config.Channels),
		BitDepth:   bytesPerSample * 8,
		Encoding:   s.config.Encoding,
	}
}

// onAudioData is called by malgo on its own thread for every captured period.
// It must not take s.mu, device Stop waits for the callback to return.
func (s *CaptureSource) onAudioData(_, input []byte, _ uint32) {
	stream := s.stream.Load()
	if stream == nil || !s.started.Load() {
		return
	}
	if !stream.write(input) {
		if dropped := stream.dropped.Add(1); dropped == 1 || dropped%100 == 0 {
			s.logger.Warn("capture buffer full, dropping period", "dropped_total", dropped)
		}
		return
	}
	stream.announce()
}

// onDeviceStop is called when the device stops, including unexpectedly.
func (s *CaptureSource) onDeviceStop() {
	if s.started.Load() {
		s.logger.Warn("capture device stopped unexpectedly")
	}
}

// captureFormatControl accepts any capturable format at the configured
// rate and channel count while the device is closed.
type captureFormatControl CaptureSource

func (c *captureFormatControl) Format() audiocore.AudioFormat {
	s := (*CaptureSource)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (c *captureFormatControl) SetFormat(format audiocore.AudioFormat) (audiocore.AudioFormat, error) {
	s := (*CaptureSource)(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return s.format, audiocore.NewConfigurationError(errors.NewStd("capture format is fixed while connected")).
			FormatContext(format, s.format).
			Context("source_id", s.id).
			Build()
	}
	if _, ok := FormatForEncoding(format.Encoding); !ok ||
		format.SampleRate != int(s.config.SampleRate) || format.Channels != int(s.config.Channels) {
		return s.format, audiocore.NewConfigurationError(errors.NewStd("format not capturable")).
			FormatContext(format, s.format).
			Context("source_id", s.id).
			Build()
	}

	s.config.Encoding = format.Encoding
	s.format = s.requestedFormat()
	return s.format, nil
}

func (c *captureFormatControl) SupportedFormats() []audiocore.AudioFormat {
	s := (*CaptureSource)(c)
	return capturableFormats(s.config.SampleRate, s.config.Channels)
}

// captureBufferPeriods is the number of device periods the ring buffer holds.
const captureBufferPeriods = 16

// captureStream is the PushSourceStream fed by the device callback.
type captureStream struct {
	format   audiocore.AudioFormat
	transfer int
	rb       *ringbuffer.RingBuffer
	dropped  atomic.Uint64

	handlerMu sync.RWMutex
	handler   audiocore.TransferHandler
}

func newCaptureStream(format audiocore.AudioFormat, periodFrames uint32) *captureStream {
	transfer := int(periodFrames) * format.FrameSize()
	if transfer <= 0 {
		transfer = format.FrameSize()
	}
	return &captureStream{
		format:   format,
		transfer: transfer,
		rb:       ringbuffer.New(transfer * captureBufferPeriods),
	}
}

func (c *captureStream) Format() audiocore.AudioFormat { return c.format }

func (c *captureStream) MinimumTransferSize() int { return c.transfer }

// Read never blocks; an empty buffer yields zero bytes.
func (c *captureStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.rb.Read(p)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

func (c *captureStream) SetTransferHandler(handler audiocore.TransferHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// write stores a whole period or nothing.
func (c *captureStream) write(p []byte) bool {
	if c.rb.Free() < len(p) {
		return false
	}
	_, err := c.rb.Write(p)
	return err == nil
}

func (c *captureStream) announce() {
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler()
	}
}
