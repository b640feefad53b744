package mixer

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/audiocore"
)

func TestNormalize16Bit(t *testing.T) {
	values, err := normalize(pcm16(0, 1, -1, math.MaxInt16, math.MinInt16), s16Mono, 1)
	require.NoError(t, err)

	assert.Equal(t, []int32{
		0,
		int32(math.Round(s16ToS32)),
		-int32(math.Round(s16ToS32)),
		math.MaxInt32,
		math.MinInt32,
	}, values)
}

func TestNormalizeBigEndian(t *testing.T) {
	be := s16Mono.WithEncoding(audiocore.EncodingPCMS16BE)
	buf := make([]byte, 2)
	sample := int16(-2)
	binary.BigEndian.PutUint16(buf, uint16(sample))

	values, err := normalize(buf, be, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(math.Round(-2 * s16ToS32))}, values)
}

func TestNormalize32BitPassesThrough(t *testing.T) {
	s32 := s16Mono.WithEncoding(audiocore.EncodingPCMS32LE)
	buf := make([]byte, 8)
	sample := int32(-123456)
	binary.LittleEndian.PutUint32(buf, uint32(sample))
	binary.LittleEndian.PutUint32(buf[4:], math.MaxInt32)

	values, err := normalize(buf, s32, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{-123456, math.MaxInt32}, values)
}

func TestNormalizeRejectsUnsupportedLayouts(t *testing.T) {
	stereo := s16Mono
	stereo.Channels = 2

	tests := []struct {
		name   string
		format audiocore.AudioFormat
	}{
		{"channel mismatch", stereo},
		{"float", s16Mono.WithEncoding(audiocore.EncodingPCMF32LE)},
		{"unsigned", s16Mono.WithEncoding(audiocore.EncodingPCMU8)},
		{"24 bit", s16Mono.WithEncoding(audiocore.EncodingPCMS24LE)},
		{"companded", s16Mono.WithEncoding(audiocore.EncodingMuLaw)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalize(make([]byte, 12), tt.format, 1)
			require.ErrorIs(t, err, audiocore.ErrFormat)
		})
	}
}

func TestMixFrameSkipsMissingSlots(t *testing.T) {
	k := s16ToS32
	frame := &tickFrame{
		samples: [][]int32{
			{int32(math.Round(10 * k)), int32(math.Round(20 * k))},
			nil,
			{int32(math.Round(-4 * k))},
		},
		length: 2,
	}

	assert.Equal(t, []int16{6, 20}, samples16(mixFrame(frame, s16Mono)))
}

func TestMixFrameBigEndianOutput(t *testing.T) {
	be := s16Mono.WithEncoding(audiocore.EncodingPCMS16BE)
	frame := &tickFrame{samples: [][]int32{{int32(math.Round(300 * s16ToS32))}}, length: 1}

	out := mixFrame(frame, be)
	require.Len(t, out, 2)
	assert.Equal(t, int16(300), int16(binary.BigEndian.Uint16(out)))
}

func TestMixFrame32BitClamps(t *testing.T) {
	s32 := s16Mono.WithEncoding(audiocore.EncodingPCMS32LE)
	frame := &tickFrame{
		samples: [][]int32{{math.MinInt32, 5}, {-1, 7}},
		length:  2,
	}

	out := mixFrame(frame, s32)
	require.Len(t, out, 8)
	assert.Equal(t, int32(math.MinInt32), int32(binary.LittleEndian.Uint32(out)))
	assert.Equal(t, int32(12), int32(binary.LittleEndian.Uint32(out[4:])))
}

func TestIsPushStream(t *testing.T) {
	assert.False(t, isPushStream(&fixedBufferStream{format: s16Mono}))

	m := newTestMixer(t, Config{})
	_, err := m.AddInput(t.Context(), pullInput("a", 1))
	require.NoError(t, err)
	o := m.NewOutput()
	require.NoError(t, o.Connect(t.Context()))
	t.Cleanup(func() { _ = o.Disconnect() })

	stream := o.Streams()[0].(*OutputStream)
	assert.True(t, stream.DemandDriven())
	assert.False(t, isPushStream(stream), "outputs of pull-driven mixers are read on demand")
}
