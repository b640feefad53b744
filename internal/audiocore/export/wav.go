// Package export writes mixer output streams to audio files.
package export

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
)

// DefaultPollInterval bounds how long Drain waits for a silent push stream.
const DefaultPollInterval = 50 * time.Millisecond

const componentExport = "export"

// WAVSink encodes audio buffers of a fixed format into a WAV container.
type WAVSink struct {
	format  audiocore.AudioFormat
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	closer  io.Closer // file opened by CreateWAVFile, nil otherwise
	frames  int64
	closed  bool
	logger  *slog.Logger
	outName string
}

// NewWAVSink starts a WAV stream on w. Samples must be linear signed
// integers of 16, 24 or 32 bits.
func NewWAVSink(w io.WriteSeeker, format audiocore.AudioFormat) (*WAVSink, error) {
	if err := validateSinkFormat(format); err != nil {
		return nil, err
	}

	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}

	return &WAVSink{
		format: format,
		enc:    wav.NewEncoder(w, format.SampleRate, format.Bits(), format.Channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: format.Bits(),
		},
		logger: logger.With("component", componentExport),
	}, nil
}

// CreateWAVFile creates the file at path, including missing directories,
// and returns a sink writing to it. Close finalizes and closes the file.
func CreateWAVFile(path string, format audiocore.AudioFormat) (*WAVSink, error) {
	if err := validateSinkFormat(format); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fileError(err, "create_directory", path)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fileError(err, "create_file", path)
	}

	sink, err := NewWAVSink(file, format)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	sink.closer = file
	sink.outName = path
	return sink, nil
}

func validateSinkFormat(format audiocore.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}
	switch format.Encoding {
	case audiocore.EncodingPCMS16LE, audiocore.EncodingPCMS16BE, audiocore.EncodingPCMS24LE, audiocore.EncodingPCMS32LE:
		return nil
	}
	return errors.Newf("WAV sink cannot encode %s", format.Encoding).
		Component(componentExport).
		Category(errors.CategoryValidation).
		Context("format", format.String()).
		Build()
}

func fileError(err error, op, path string) error {
	return errors.New(err).
		Component(componentExport).
		Category(errors.CategoryFileIO).
		Context("operation", op).
		FileContext(path, 0).
		Build()
}

// Format returns the format the sink encodes
func (s *WAVSink) Format() audiocore.AudioFormat {
	return s.format
}

// Frames returns the number of frames written so far
func (s *WAVSink) Frames() int64 {
	return s.frames
}

// Write encodes the buffer of data. The buffer must be in the sink format
// and hold whole frames.
func (s *WAVSink) Write(data *audiocore.AudioData) error {
	if s.closed {
		return errors.Newf("WAV sink is closed").
			Component(componentExport).
			Category(errors.CategoryState).
			Build()
	}
	if len(data.Buffer) == 0 {
		return nil
	}
	if data.Format.Encoding != s.format.Encoding || data.Format.Channels != s.format.Channels {
		return audiocore.NewFormatError(fmt.Errorf("buffer format %s does not match sink format %s", data.Format, s.format)).
			Component(componentExport).
			Context("source_id", data.SourceID).
			FormatContext(data.Format, s.format).
			Build()
	}
	frameSize := s.format.FrameSize()
	if len(data.Buffer)%frameSize != 0 {
		return audiocore.NewFormatError(fmt.Errorf("buffer of %d bytes splits a %d byte frame", len(data.Buffer), frameSize)).
			Component(componentExport).
			Context("source_id", data.SourceID).
			Build()
	}

	width := s.format.BytesPerSample()
	n := len(data.Buffer) / width
	if cap(s.buf.Data) < n {
		s.buf.Data = make([]int, n)
	}
	s.buf.Data = s.buf.Data[:n]
	for i := range n {
		s.buf.Data[i] = sampleValue(data.Buffer[i*width:], s.format.Encoding)
	}

	if err := s.enc.Write(s.buf); err != nil {
		return errors.New(err).
			Component(componentExport).
			Category(errors.CategoryFileIO).
			Context("operation", "encode_wav").
			Build()
	}
	s.frames += int64(len(data.Buffer) / frameSize)
	return nil
}

// Close finalizes the WAV header. The sink cannot be written afterwards.
func (s *WAVSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.enc.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return errors.New(err).
			Component(componentExport).
			Category(errors.CategoryFileIO).
			Context("operation", "finalize_wav").
			Build()
	}

	if s.outName != "" {
		s.logger.Debug("WAV file written",
			"path", s.outName,
			"frames", s.frames,
			"duration", time.Duration(s.frames)*time.Second/time.Duration(s.format.SampleRate))
	}
	return nil
}

// sampleValue reads one sample at its native width.
func sampleValue(b []byte, encoding string) int {
	switch encoding {
	case audiocore.EncodingPCMS16LE:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case audiocore.EncodingPCMS16BE:
		return int(int16(binary.BigEndian.Uint16(b)))
	case audiocore.EncodingPCMS24LE:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= -0x1000000
		}
		return int(v)
	case audiocore.EncodingPCMS32LE:
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// Drain writes stream into sink until end of stream. Push-driven streams
// are waited on through their transfer handler, bounded by pollInterval so
// a missed notification only delays the next read.
func Drain(ctx context.Context, stream audiocore.BufferStream, sink *WAVSink, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ready := make(chan struct{}, 1)
	if push, ok := stream.(audiocore.PushBufferStream); ok {
		push.SetTransferHandler(func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})
		defer push.SetTransferHandler(nil)
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	var data audiocore.AudioData
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(&data); err != nil {
			return err
		}
		if err := sink.Write(&data); err != nil {
			return err
		}
		if data.EOS {
			return nil
		}
		if len(data.Buffer) > 0 {
			continue
		}

		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		case <-timer.C:
		}
	}
}
