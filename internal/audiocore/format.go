package audiocore

import (
	"fmt"
	"time"

	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
)

// Supported encodings
const (
	EncodingPCMS16LE = "pcm_s16le"
	EncodingPCMS16BE = "pcm_s16be"
	EncodingPCMU8    = "pcm_u8"
	EncodingPCMS24LE = "pcm_s24le"
	EncodingPCMS32LE = "pcm_s32le"
	EncodingPCMF32LE = "pcm_f32le"
	EncodingMuLaw    = "pcm_mulaw"
	EncodingOpus     = "opus"
)

// encodingInfo describes the sample layout of an encoding.
type encodingInfo struct {
	bitDepth  int // 0 when samples have no fixed width
	linear    bool
	signed    bool
	float     bool
	bigEndian bool
}

var encodings = map[string]encodingInfo{
	EncodingPCMS16LE: {bitDepth: 16, linear: true, signed: true},
	EncodingPCMS16BE: {bitDepth: 16, linear: true, signed: true, bigEndian: true},
	EncodingPCMU8:    {bitDepth: 8, linear: true},
	EncodingPCMS24LE: {bitDepth: 24, linear: true, signed: true},
	EncodingPCMS32LE: {bitDepth: 32, linear: true, signed: true},
	EncodingPCMF32LE: {bitDepth: 32, linear: true, signed: true, float: true},
	EncodingMuLaw:    {bitDepth: 8},
	EncodingOpus:     {},
}

// LinearEncodings lists the encodings the PCM codec converts between.
func LinearEncodings() []string {
	return []string{
		EncodingPCMU8,
		EncodingPCMS16LE,
		EncodingPCMS16BE,
		EncodingPCMS24LE,
		EncodingPCMS32LE,
		EncodingPCMF32LE,
	}
}

// Matches reports whether other uses the same encoding.
//
// Only the encoding is compared; sample rate, channel count and width may
// still differ between matching formats.
func (f AudioFormat) Matches(other AudioFormat) bool {
	return f.Encoding == other.Encoding
}

// Equal reports whether all fields are identical after deriving bit depth.
func (f AudioFormat) Equal(other AudioFormat) bool {
	return f.Encoding == other.Encoding &&
		f.SampleRate == other.SampleRate &&
		f.Channels == other.Channels &&
		f.Bits() == other.Bits()
}

// Bits returns the sample width in bits, derived from the encoding when BitDepth is unset.
func (f AudioFormat) Bits() int {
	if info, ok := encodings[f.Encoding]; ok && info.bitDepth > 0 {
		return info.bitDepth
	}
	return f.BitDepth
}

// BytesPerSample returns the width of one sample of one channel, 0 if unknown.
func (f AudioFormat) BytesPerSample() int {
	return f.Bits() / 8
}

// FrameSize returns the size in bytes of one sample across all channels,
// 0 when it cannot be determined.
func (f AudioFormat) FrameSize() int {
	if f.Channels <= 0 {
		return 0
	}
	return f.Channels * f.BytesPerSample()
}

// IsLinear reports whether samples are linear PCM.
func (f AudioFormat) IsLinear() bool { return encodings[f.Encoding].linear }

// IsSigned reports whether samples are signed.
func (f AudioFormat) IsSigned() bool { return encodings[f.Encoding].signed }

// IsFloat reports whether samples are IEEE floats.
func (f AudioFormat) IsFloat() bool { return encodings[f.Encoding].float }

// IsBigEndian reports whether multi-byte samples are big-endian.
func (f AudioFormat) IsBigEndian() bool { return encodings[f.Encoding].bigEndian }

// WithEncoding returns a copy of f using encoding, with BitDepth rederived.
func (f AudioFormat) WithEncoding(encoding string) AudioFormat {
	f.Encoding = encoding
	f.BitDepth = encodings[encoding].bitDepth
	return f
}

// Duration returns the playback time of n bytes in this format.
func (f AudioFormat) Duration(n int) time.Duration {
	frameSize := f.FrameSize()
	if frameSize == 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := int64(n / frameSize)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// Validate checks that the format is complete and uses a known encoding.
func (f AudioFormat) Validate() error {
	info, known := encodings[f.Encoding]
	switch {
	case !known:
		return NewConfigurationError(fmt.Errorf("unknown encoding %q", f.Encoding)).
			Context("operation", "validate_format").
			Build()
	case f.SampleRate <= 0:
		return NewConfigurationError(fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)).
			Context("operation", "validate_format").
			Context("encoding", f.Encoding).
			Build()
	case f.Channels <= 0:
		return NewConfigurationError(fmt.Errorf("channel count must be positive, got %d", f.Channels)).
			Context("operation", "validate_format").
			Context("encoding", f.Encoding).
			Build()
	case f.BitDepth != 0 && info.bitDepth != 0 && f.BitDepth != info.bitDepth:
		return NewConfigurationError(fmt.Errorf("bit depth %d does not fit %s", f.BitDepth, f.Encoding)).
			Context("operation", "validate_format").
			Build()
	}
	return nil
}

// String implements fmt.Stringer
func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch/%dbit", f.Encoding, f.SampleRate, f.Channels, f.Bits())
}

// FormatFromSettings converts configured mix format settings.
func FormatFromSettings(settings conf.FormatSettings) AudioFormat {
	f := AudioFormat{
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
		BitDepth:   settings.BitDepth,
		Encoding:   settings.Encoding,
	}
	if f.BitDepth == 0 {
		f.BitDepth = f.Bits()
	}
	return f
}

// ValidateMixFormat checks that f can serve as the reference format of a mixer:
// linear signed 16- or 32-bit integer samples.
func ValidateMixFormat(f AudioFormat) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if !f.IsLinear() || !f.IsSigned() || f.IsFloat() || (f.Bits() != 16 && f.Bits() != 32) {
		return NewConfigurationError(errors.NewStd("mix format must be linear signed 16 or 32 bit")).
			Context("operation", "validate_mix_format").
			Context("format", f.String()).
			Build()
	}
	return nil
}
