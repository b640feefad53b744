package malgo

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/tphakala/audiomixer/internal/audiocore"
)

// EncodingForFormat maps a malgo sample format to its PCM encoding.
func EncodingForFormat(format malgo.FormatType) (string, error) {
	switch format {
	case malgo.FormatU8:
		return audiocore.EncodingPCMU8, nil
	case malgo.FormatS16:
		return audiocore.EncodingPCMS16LE, nil
	case malgo.FormatS24:
		return audiocore.EncodingPCMS24LE, nil
	case malgo.FormatS32:
		return audiocore.EncodingPCMS32LE, nil
	case malgo.FormatF32:
		return audiocore.EncodingPCMF32LE, nil
	default:
		return "", fmt.Errorf("unsupported malgo format: %v", format)
	}
}

// FormatForEncoding maps a PCM encoding to the malgo sample format that
// produces it. Encodings miniaudio cannot capture return false.
func FormatForEncoding(encoding string) (malgo.FormatType, bool) {
	switch encoding {
	case audiocore.EncodingPCMU8:
		return malgo.FormatU8, true
	case audiocore.EncodingPCMS16LE:
		return malgo.FormatS16, true
	case audiocore.EncodingPCMS24LE:
		return malgo.FormatS24, true
	case audiocore.EncodingPCMS32LE:
		return malgo.FormatS32, true
	case audiocore.EncodingPCMF32LE:
		return malgo.FormatF32, true
	default:
		return malgo.FormatUnknown, false
	}
}

// GetFormatInfo returns information about a malgo format type
func GetFormatInfo(format malgo.FormatType) (bytesPerSample int, name string) {
	switch format {
	case malgo.FormatU8:
		return 1, "U8"
	case malgo.FormatS16:
		return 2, "S16"
	case malgo.FormatS24:
		return 3, "S24"
	case malgo.FormatS32:
		return 4, "S32"
	case malgo.FormatF32:
		return 4, "F32"
	default:
		return 0, "Unknown"
	}
}

// CalculateBufferSize calculates the buffer size in bytes for a given format and frame count
func CalculateBufferSize(format malgo.FormatType, channels uint8, frameCount uint32) int {
	bytesPerSample, _ := GetFormatInfo(format)
	return bytesPerSample * int(channels) * int(frameCount)
}

// capturableFormats lists every format a capture device can be asked for at
// the given rate and channel count.
func capturableFormats(sampleRate uint32, channels uint8) []audiocore.AudioFormat {
	types := []malgo.FormatType{malgo.FormatS16, malgo.FormatS32, malgo.FormatS24, malgo.FormatF32, malgo.FormatU8}
	formats := make([]audiocore.AudioFormat, 0, len(types))
	for _, t := range types {
		encoding, _ := EncodingForFormat(t)
		bytesPerSample, _ := GetFormatInfo(t)
		formats = append(formats, audiocore.AudioFormat{
			SampleRate: int(sampleRate),
			Channels:   int(channels),
			BitDepth:   bytesPerSample * 8,
			Encoding:   encoding,
		})
	}
	return formats
}
