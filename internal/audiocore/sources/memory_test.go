package sources

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/errors"
)

var s16Mono = audiocore.AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, Encoding: audiocore.EncodingPCMS16LE}

func TestMemoryPushSourceLifecycle(t *testing.T) {
	t.Parallel()

	src := NewMemoryPushSource("push", s16Mono)
	assert.Empty(t, src.Streams(), "no streams before connect")

	err := src.Start(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	require.NoError(t, src.Connect(t.Context()))
	require.NoError(t, src.Connect(t.Context()), "second connect is a no-op")
	streams := src.Streams()
	require.Len(t, streams, 1)

	push, ok := streams[0].(audiocore.PushSourceStream)
	require.True(t, ok)
	assert.Equal(t, s16Mono, push.Format())
	assert.Equal(t, 2, push.MinimumTransferSize())

	notified := 0
	push.SetTransferHandler(func() { notified++ })

	_, err = src.Write([]byte{1, 0})
	require.NoError(t, err)
	assert.Zero(t, notified, "no notifications before start")

	require.NoError(t, src.Start(t.Context()))
	assert.Equal(t, 1, notified, "start announces buffered data")

	_, err = src.Write([]byte{2, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, notified)
	assert.Equal(t, 4, src.Buffered())

	p := make([]byte, 8)
	n, err := push.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, p[:n])

	n, err = push.Read(p)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, src.Disconnect())
	assert.Empty(t, src.Streams())
}

func TestMemoryPushSourceCloseWrite(t *testing.T) {
	t.Parallel()

	src := NewMemoryPushSource("push", s16Mono)
	require.NoError(t, src.Connect(t.Context()))
	push := src.Streams()[0].(audiocore.PushSourceStream)

	_, err := src.Write([]byte{7, 0})
	require.NoError(t, err)
	src.CloseWrite()

	_, err = src.Write([]byte{8, 0})
	require.Error(t, err, "writes after close are refused")

	p := make([]byte, 4)
	n, err := push.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = push.Read(p)
	assert.ErrorIs(t, err, io.EOF)

	// Disconnect clears the closed state for the next connection
	require.NoError(t, src.Disconnect())
	require.NoError(t, src.Connect(t.Context()))
	_, err = src.Write([]byte{9, 0})
	require.NoError(t, err)
}

func TestMemoryPushSourceFull(t *testing.T) {
	t.Parallel()

	src := NewMemoryPushSource("push", s16Mono, WithCapacity(4))
	require.NoError(t, src.Connect(t.Context()))

	_, err := src.Write([]byte{1, 0, 2, 0})
	require.NoError(t, err)

	n, err := src.Write([]byte{3, 0})
	require.ErrorIs(t, err, ErrBufferFull)
	assert.Zero(t, n, "writes are all or nothing")
}

func TestMemoryPushSourceFormatControl(t *testing.T) {
	t.Parallel()

	s32 := s16Mono.WithEncoding(audiocore.EncodingPCMS32LE)
	src := NewMemoryPushSource("push", s16Mono,
		WithSupportedFormats(s16Mono, s32),
		WithMinimumTransferSize(64))

	var fc audiocore.FormatControl = src.FormatControl()
	assert.Len(t, fc.SupportedFormats(), 2)

	got, err := fc.SetFormat(audiocore.AudioFormat{SampleRate: 48000, Channels: 1, Encoding: audiocore.EncodingPCMS32LE})
	require.NoError(t, err)
	assert.Equal(t, s32, got)

	require.NoError(t, src.Connect(t.Context()))
	push := src.Streams()[0].(audiocore.PushSourceStream)
	assert.Equal(t, s32, push.Format())
	assert.Equal(t, 64, push.MinimumTransferSize())

	_, err = fc.SetFormat(s16Mono.WithEncoding(audiocore.EncodingPCMF32LE))
	require.ErrorIs(t, err, audiocore.ErrConfiguration)
	assert.Equal(t, s32, fc.Format())
}

func TestMemoryPullSourceRewinds(t *testing.T) {
	t.Parallel()

	src := NewMemoryPullSource("pull", s16Mono, []byte{1, 0, 2, 0})
	assert.Equal(t, "pull", src.ID())
	assert.Empty(t, src.Streams())

	for range 2 {
		require.NoError(t, src.Connect(t.Context()))
		pull, ok := src.Streams()[0].(audiocore.PullSourceStream)
		require.True(t, ok)

		data, err := io.ReadAll(pull)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 0, 2, 0}, data)
		require.NoError(t, src.Disconnect())
	}
}
