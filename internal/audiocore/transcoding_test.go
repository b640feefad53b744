package audiocore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/errors"
)

// fakeSource is a DataSource over fixed streams that counts lifecycle calls.
type fakeSource struct {
	id          string
	streams     []SourceStream
	connectErr  error
	connects    int
	disconnects int
	starts      int
	stops       int
	connected   bool
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	if !s.connected {
		s.connects++
		s.connected = true
	}
	return nil
}

func (s *fakeSource) Disconnect() error {
	if s.connected {
		s.disconnects++
		s.connected = false
	}
	return nil
}

func (s *fakeSource) Start(context.Context) error { s.starts++; return nil }
func (s *fakeSource) Stop() error                 { s.stops++; return nil }

func (s *fakeSource) Streams() []SourceStream {
	if !s.connected {
		return nil
	}
	return s.streams
}

func TestTranscodingDataSourceConvertsStreams(t *testing.T) {
	t.Parallel()

	f32 := AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 32, Encoding: EncodingPCMF32LE}
	target := AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, Encoding: EncodingPCMS16LE}

	src := &fakeSource{id: "file", streams: []SourceStream{
		&fakePullStream{format: f32, r: bytes.NewReader(f32le(0.5, -1))},
	}}
	ts := NewTranscodingDataSource(src, target, nil)
	assert.Equal(t, "file", ts.ID())
	assert.Same(t, src, ts.Input())
	assert.Empty(t, ts.Streams(), "no tracks before connect")

	require.NoError(t, ts.Connect(t.Context()))
	require.NoError(t, ts.Connect(t.Context()))
	assert.Equal(t, 1, src.connects, "connect is idempotent")

	streams := ts.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, EncodingPCMS16LE, streams[0].Format().Encoding)

	track, ok := streams[0].(BufferStream)
	require.True(t, ok)

	var data AudioData
	require.NoError(t, track.Read(&data))
	assert.Equal(t, s16le(16384, -32768), data.Buffer)
	assert.Equal(t, EncodingPCMS16LE, data.Format.Encoding)
	assert.Equal(t, "file", data.SourceID)

	require.NoError(t, track.Read(&data))
	assert.Empty(t, data.Buffer)
	assert.True(t, data.EOS)

	require.NoError(t, ts.Start(t.Context()))
	require.NoError(t, ts.Stop())
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, 1, src.stops)

	require.NoError(t, ts.Disconnect())
	assert.Equal(t, 1, src.disconnects)
	assert.Empty(t, ts.Streams())
}

// s24le encodes samples as little endian 24-bit PCM.
func s24le(samples ...int32) []byte {
	b := make([]byte, 0, 3*len(samples))
	for _, v := range samples {
		b = append(b, byte(v), byte(v>>8), byte(v>>16))
	}
	return b
}

func TestTranscodingTrackBoundsReadsInTargetFrames(t *testing.T) {
	t.Parallel()

	s24 := AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 24, Encoding: EncodingPCMS24LE}
	target := AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16, Encoding: EncodingPCMS16LE}

	samples := make([]int32, 10)
	for i := range samples {
		samples[i] = int32(i+1) << 8
	}
	stream := &fakePullStream{format: s24, r: bytes.NewReader(s24le(samples...))}
	src := &fakeSource{id: "studio", streams: []SourceStream{stream}}
	ts := NewTranscodingDataSource(src, target, nil)
	require.NoError(t, ts.Connect(t.Context()))

	track, ok := ts.Streams()[0].(BufferStream)
	require.True(t, ok)

	// Seven target bytes bound the read to three whole frames
	data := AudioData{Buffer: make([]byte, 7)}
	require.NoError(t, track.Read(&data))
	assert.Equal(t, []int{9}, stream.reads)
	assert.Equal(t, s16le(1, 2, 3), data.Buffer)

	data = AudioData{Buffer: make([]byte, 8)}
	require.NoError(t, track.Read(&data))
	assert.Equal(t, 12, stream.reads[1])
	assert.Equal(t, s16le(4, 5, 6, 7), data.Buffer)
}

func TestTranscodingDataSourcePassesMatchingStreams(t *testing.T) {
	t.Parallel()

	stream := &fakePullStream{format: s16Stereo, r: bytes.NewReader(nil)}
	src := &fakeSource{id: "mic", streams: []SourceStream{stream}}
	ts := NewTranscodingDataSource(src, s16Stereo, NewDefaultCodecRegistry(0))

	require.NoError(t, ts.Connect(t.Context()))
	streams := ts.Streams()
	require.Len(t, streams, 1)
	assert.Same(t, stream, streams[0])
}

func TestTranscodingDataSourcePushTrack(t *testing.T) {
	t.Parallel()

	s32 := AudioFormat{SampleRate: 48000, Channels: 1, Encoding: EncodingPCMS32LE}
	push := &fakePushStream{format: s32, minimum: 4}
	push.pending.Write(s32le(1 << 20))

	src := &fakeSource{id: "card", streams: []SourceStream{push}}
	ts := NewTranscodingDataSource(src, s16Stereo, nil)
	require.NoError(t, ts.Connect(t.Context()))

	track, ok := ts.Streams()[0].(PushBufferStream)
	require.True(t, ok, "tracks over push streams keep the push capability")

	fired := false
	track.SetTransferHandler(func() { fired = true })
	push.handler()
	assert.True(t, fired)

	var data AudioData
	require.NoError(t, track.Read(&data))
	assert.Equal(t, s16le(16), data.Buffer)
}

func TestTranscodingDataSourceUntranscodable(t *testing.T) {
	t.Parallel()

	src := &fakeSource{id: "phone", streams: []SourceStream{
		&fakePullStream{format: AudioFormat{SampleRate: 8000, Channels: 1, Encoding: EncodingMuLaw}, r: bytes.NewReader(nil)},
	}}
	ts := NewTranscodingDataSource(src, s16Stereo, nil)

	err := ts.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscode)
	assert.Equal(t, 1, src.disconnects, "input is released again")
	assert.False(t, src.connected)
	assert.Empty(t, ts.Streams())
}

func TestTranscodingDataSourceConnectFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{id: "gone", connectErr: errors.NewStd("no device")}
	ts := NewTranscodingDataSource(src, s16Stereo, nil)

	err := ts.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.NotErrorIs(t, err, ErrTranscode)
}

func TestTranscodingFormatControl(t *testing.T) {
	t.Parallel()

	ts := NewTranscodingDataSource(&fakeSource{id: "x"}, s16Stereo, nil)
	control := ts.FormatControl()
	assert.Equal(t, s16Stereo, control.Format())
	assert.Equal(t, []AudioFormat{s16Stereo}, control.SupportedFormats())

	got, err := control.SetFormat(s16Stereo)
	require.NoError(t, err)
	assert.Equal(t, s16Stereo, got)

	_, err = control.SetFormat(AudioFormat{SampleRate: 48000, Channels: 2, Encoding: EncodingPCMS32LE})
	assert.ErrorIs(t, err, ErrConfiguration)
}
