package audiocore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/errors"
)

var s16Stereo = AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 16, Encoding: EncodingPCMS16LE}

// fakePullStream serves bytes from a reader.
type fakePullStream struct {
	format AudioFormat
	r      io.Reader
	reads  []int // sizes of the buffers passed to Read
}

func (s *fakePullStream) Format() AudioFormat { return s.format }

func (s *fakePullStream) Read(p []byte) (int, error) {
	s.reads = append(s.reads, len(p))
	return s.r.Read(p)
}

// fakePushStream serves queued bytes and never blocks.
type fakePushStream struct {
	format   AudioFormat
	pending  bytes.Buffer
	minimum  int
	handler  TransferHandler
	eof      bool
	lastRead int
}

func (s *fakePushStream) Format() AudioFormat { return s.format }

func (s *fakePushStream) Read(p []byte) (int, error) {
	s.lastRead = len(p)
	n, _ := s.pending.Read(p)
	if s.pending.Len() == 0 && s.eof {
		return n, io.EOF
	}
	return n, nil
}

func (s *fakePushStream) MinimumTransferSize() int { return s.minimum }

func (s *fakePushStream) SetTransferHandler(h TransferHandler) { s.handler = h }

type fakeBufferStream struct{ format AudioFormat }

func (s *fakeBufferStream) Format() AudioFormat   { return s.format }
func (s *fakeBufferStream) Read(*AudioData) error { return nil }

type opaqueStream struct{}

func (opaqueStream) Format() AudioFormat { return s16Stereo }

func TestAdaptStreamSelectsByCapability(t *testing.T) {
	t.Parallel()

	bufferStream := &fakeBufferStream{format: s16Stereo}
	adapted, err := AdaptStream(bufferStream, AdapterOptions{})
	require.NoError(t, err)
	assert.Same(t, bufferStream, adapted)

	adapted, err = AdaptStream(&fakePushStream{format: s16Stereo}, AdapterOptions{})
	require.NoError(t, err)
	assert.IsType(t, &pushAdapter{}, adapted)
	assert.Implements(t, (*PushBufferStream)(nil), adapted)

	adapted, err = AdaptStream(&fakePullStream{format: s16Stereo, r: bytes.NewReader(nil)}, AdapterOptions{})
	require.NoError(t, err)
	assert.IsType(t, &pullAdapter{}, adapted)

	_, err = AdaptStream(opaqueStream{}, AdapterOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = AdaptStream(nil, AdapterOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPushAdapterReadsMinimumTransferSize(t *testing.T) {
	t.Parallel()

	stream := &fakePushStream{format: s16Stereo, minimum: 8}
	stream.pending.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	adapted, err := AdaptStream(stream, AdapterOptions{SourceID: "mic"})
	require.NoError(t, err)

	var data AudioData
	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, 8, stream.lastRead)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data.Buffer)
	assert.Equal(t, "mic", data.SourceID)
	assert.Equal(t, uint64(1), data.Sequence)
	assert.Equal(t, s16Stereo, data.Format)
	assert.False(t, data.EOS)

	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, []byte{9, 10, 11, 12}, data.Buffer)

	// Nothing pending is "no data", not an error
	require.NoError(t, adapted.Read(&data))
	assert.Empty(t, data.Buffer)
	assert.False(t, data.EOS)
	assert.Equal(t, uint64(2), data.Sequence)
}

func TestPushAdapterMinimumFallsBackToFrameSize(t *testing.T) {
	t.Parallel()

	stream := &fakePushStream{format: s16Stereo, minimum: 0}
	adapted, err := AdaptStream(stream, AdapterOptions{})
	require.NoError(t, err)

	var data AudioData
	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, s16Stereo.FrameSize(), stream.lastRead)
}

func TestPushAdapterRoundsTransferUpToWholeFrames(t *testing.T) {
	t.Parallel()

	for _, minimum := range []int{1, 5, 6, 7} {
		stream := &fakePushStream{format: s16Stereo, minimum: minimum}
		stream.pending.Write(make([]byte, 64))

		adapted, err := AdaptStream(stream, AdapterOptions{})
		require.NoError(t, err)

		var data AudioData
		require.NoError(t, adapted.Read(&data))
		assert.Zero(t, stream.lastRead%s16Stereo.FrameSize(), "minimum %d", minimum)
		assert.GreaterOrEqual(t, stream.lastRead, minimum)
		assert.Len(t, data.Buffer, stream.lastRead)
	}
}

// chunkReader returns at most size bytes per Read.
type chunkReader struct {
	r    io.Reader
	size int
}

func (c chunkReader) Read(p []byte) (int, error) {
	return c.r.Read(p[:min(len(p), c.size)])
}

func TestAdapterHoldsBackPartialFrames(t *testing.T) {
	t.Parallel()

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	stream := &fakePullStream{format: s16Stereo, r: chunkReader{r: bytes.NewReader(payload), size: 3}}
	adapted, err := AdaptStream(stream, AdapterOptions{})
	require.NoError(t, err)

	var got []byte
	for range 10 {
		var data AudioData
		require.NoError(t, adapted.Read(&data))
		got = append(got, data.Buffer...)
		if data.EOS {
			break
		}
		assert.Zero(t, len(data.Buffer)%s16Stereo.FrameSize())
	}
	assert.Equal(t, payload, got)
}

func TestPushAdapterForwardsTransferHandler(t *testing.T) {
	t.Parallel()

	stream := &fakePushStream{format: s16Stereo}
	adapted, err := AdaptStream(stream, AdapterOptions{})
	require.NoError(t, err)

	called := false
	adapted.(PushBufferStream).SetTransferHandler(func() { called = true })
	require.NotNil(t, stream.handler)
	stream.handler()
	assert.True(t, called)
}

func TestPushAdapterEOF(t *testing.T) {
	t.Parallel()

	stream := &fakePushStream{format: s16Stereo, minimum: 4, eof: true}
	stream.pending.Write([]byte{1, 2})

	adapted, err := AdaptStream(stream, AdapterOptions{})
	require.NoError(t, err)

	var data AudioData
	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, []byte{1, 2}, data.Buffer)
	assert.True(t, data.EOS)
}

func TestPullAdapterDefaultSizing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format AudioFormat
		frames int
		want   int
	}{
		{"s16 stereo default frames", s16Stereo, 0, DefaultPullFrames * 4},
		{"s32 mono custom frames", AudioFormat{SampleRate: 8000, Channels: 1, Encoding: EncodingPCMS32LE}, 10, 40},
		{"indeterminate frame size", AudioFormat{SampleRate: 8000, Channels: 1, Encoding: EncodingOpus}, 16, 16 * fallbackFrameSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stream := &fakePullStream{format: tt.format, r: bytes.NewReader(make([]byte, 1<<16))}
			adapted, err := AdaptStream(stream, AdapterOptions{PullFrames: tt.frames})
			require.NoError(t, err)

			var data AudioData
			require.NoError(t, adapted.Read(&data))
			assert.Equal(t, []int{tt.want}, stream.reads)
			assert.Len(t, data.Buffer, tt.want)
		})
	}
}

func TestPullAdapterUsesCallerBuffer(t *testing.T) {
	t.Parallel()

	stream := &fakePullStream{format: s16Stereo, r: bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})}
	adapted, err := AdaptStream(stream, AdapterOptions{})
	require.NoError(t, err)

	// Six bytes hold one whole stereo s16 frame
	caller := make([]byte, 6)
	data := AudioData{Buffer: caller}
	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, []int{4}, stream.reads)
	assert.Equal(t, []byte{1, 2, 3, 4}, data.Buffer)

	// The published buffer is a copy the caller may keep
	caller[0] = 99
	assert.Equal(t, byte(1), data.Buffer[0])
}

func TestPullAdapterEOFAndErrors(t *testing.T) {
	t.Parallel()

	stream := &fakePullStream{format: s16Stereo, r: bytes.NewReader([]byte{1, 2, 3, 4})}
	adapted, err := AdaptStream(stream, AdapterOptions{PullFrames: 1})
	require.NoError(t, err)

	var data AudioData
	require.NoError(t, adapted.Read(&data))
	assert.Equal(t, []byte{1, 2, 3, 4}, data.Buffer)
	assert.False(t, data.EOS)

	require.NoError(t, adapted.Read(&data))
	assert.Empty(t, data.Buffer)
	assert.True(t, data.EOS)

	failing := &fakePullStream{format: s16Stereo, r: iotestErrReader{}}
	adapted, err = AdaptStream(failing, AdapterOptions{})
	require.NoError(t, err)
	assert.EqualError(t, adapted.Read(&data), "device gone")
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errors.NewStd("device gone") }
