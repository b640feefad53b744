package mixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/audiocore/sources"
	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
)

func TestNewValidatesMixFormat(t *testing.T) {
	valid := []audiocore.AudioFormat{
		s16Mono,
		{SampleRate: 16000, Channels: 2, Encoding: audiocore.EncodingPCMS32LE},
		{SampleRate: 8000, Channels: 1, Encoding: audiocore.EncodingPCMS16BE},
	}
	for _, f := range valid {
		m, err := New(Config{Format: f})
		require.NoError(t, err, f.String())
		assert.Equal(t, f.Bits(), m.Format().BitDepth)
		assert.NotEmpty(t, m.ID())
	}

	invalid := []audiocore.AudioFormat{
		{SampleRate: 48000, Channels: 1, Encoding: audiocore.EncodingPCMF32LE},
		{SampleRate: 48000, Channels: 1, Encoding: audiocore.EncodingPCMU8},
		{SampleRate: 48000, Channels: 1, Encoding: audiocore.EncodingPCMS24LE},
		{SampleRate: 48000, Channels: 1, Encoding: audiocore.EncodingMuLaw},
		{SampleRate: 0, Channels: 1, Encoding: audiocore.EncodingPCMS16LE},
	}
	for _, f := range invalid {
		_, err := New(Config{Format: f})
		require.ErrorIs(t, err, audiocore.ErrConfiguration, f.String())
	}
}

func TestConfigFromSettings(t *testing.T) {
	settings := conf.Defaults()
	cfg := ConfigFromSettings("room", &settings.Mixer)

	assert.Equal(t, "room", cfg.ID)
	assert.Equal(t, settings.Mixer.Format.Encoding, cfg.Format.Encoding)
	assert.Equal(t, settings.Mixer.PullFrames, cfg.PullFrames)
	assert.NotNil(t, cfg.Codecs)

	m, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "room", m.ID())
}

func TestAddInputRejectsDuplicates(t *testing.T) {
	m := newTestMixer(t, Config{})
	src := pullInput("a", 1, 2, 3)

	h, err := m.AddInput(t.Context(), src)
	require.NoError(t, err)
	assert.NotZero(t, h)

	_, err = m.AddInput(t.Context(), src)
	require.ErrorIs(t, err, audiocore.ErrConfiguration)
	assert.Len(t, m.Inputs(), 1, "failed registration leaves the registry unchanged")

	_, err = m.AddInput(t.Context(), nil)
	require.ErrorIs(t, err, audiocore.ErrConfiguration)
}

func TestInputsSnapshot(t *testing.T) {
	m := newTestMixer(t, Config{})
	o := m.NewOutput()

	ha, err := m.AddInput(t.Context(), pullInput("a", 1))
	require.NoError(t, err)
	hb, err := o.AddInput(t.Context(), pullInput("b", 2))
	require.NoError(t, err)
	hc, err := m.AddInput(t.Context(), pullInput("c", 3), ExcludeOutputID("elsewhere"))
	require.NoError(t, err)

	infos := m.Inputs()
	require.Len(t, infos, 3)
	assert.Equal(t, []InputHandle{ha, hb, hc}, []InputHandle{infos[0].Handle, infos[1].Handle, infos[2].Handle})
	assert.Equal(t, "a", infos[0].SourceID)
	assert.Empty(t, infos[0].Excluded)
	assert.Equal(t, o.ID(), infos[1].Excluded)
	assert.Equal(t, "elsewhere", infos[2].Excluded)
	for _, info := range infos {
		assert.False(t, info.Connected)
		assert.False(t, info.Transcoded)
	}
}

func TestRemoveInput(t *testing.T) {
	m := newTestMixer(t, Config{})
	a := counting(pullInput("a", 1))
	ha, err := m.AddInput(t.Context(), a)
	require.NoError(t, err)

	err = m.RemoveInput(ha + 100)
	require.ErrorIs(t, err, audiocore.ErrConfiguration)

	require.NoError(t, m.Connect(t.Context()))
	require.NoError(t, m.RemoveInput(ha))
	assert.Empty(t, m.Inputs())

	connects, disconnects, _, _ := a.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects, "removing a connected input disconnects it")

	err = m.RemoveInput(ha)
	require.ErrorIs(t, err, audiocore.ErrConfiguration)
	require.NoError(t, m.Disconnect())
}

func TestConnectRefcount(t *testing.T) {
	m := newTestMixer(t, Config{})
	a := counting(pullInput("a", 1, 2))
	_, err := m.AddInput(t.Context(), a)
	require.NoError(t, err)

	o1, o2 := m.NewOutput(), m.NewOutput()
	require.NoError(t, o1.Connect(t.Context()))
	require.NoError(t, o2.Connect(t.Context()))
	require.NoError(t, o1.Connect(t.Context()), "reconnecting an output takes no new reference")

	connects, disconnects, _, _ := a.counts()
	assert.Equal(t, 1, connects, "inputs are connected once for all outputs")
	assert.Zero(t, disconnects)
	assert.True(t, m.Inputs()[0].Connected)

	require.NoError(t, o1.Disconnect())
	_, disconnects, _, _ = a.counts()
	assert.Zero(t, disconnects, "inputs stay connected while an output holds a reference")

	require.NoError(t, o2.Disconnect())
	_, disconnects, _, _ = a.counts()
	assert.Equal(t, 1, disconnects)
	assert.False(t, m.Inputs()[0].Connected)

	require.NoError(t, m.Disconnect(), "disconnecting an idle mixer is a no-op")
}

func TestStartRefcountFollowsOutputs(t *testing.T) {
	m := newTestMixer(t, Config{})
	a := counting(pullInput("a", 1))
	_, err := m.AddInput(t.Context(), a)
	require.NoError(t, err)

	o1, o2 := m.NewOutput(), m.NewOutput()
	openOutput(t, o1)
	openOutput(t, o2)

	_, _, starts, stops := a.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)

	require.NoError(t, o1.Stop())
	_, _, _, stops = a.counts()
	assert.Zero(t, stops)

	require.NoError(t, o2.Stop())
	_, _, _, stops = a.counts()
	assert.Equal(t, 1, stops)
}

func TestAddInputWhileConnected(t *testing.T) {
	m := newTestMixer(t, Config{})
	require.NoError(t, m.Connect(t.Context()))
	t.Cleanup(func() { _ = m.Disconnect() })

	late := counting(pullInput("late", 7, 8))
	_, err := m.AddInput(t.Context(), late)
	require.NoError(t, err)

	infos := m.Inputs()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Connected, "inputs added to a connected mixer are opened at once")
	connects, _, _, _ := late.counts()
	assert.Equal(t, 1, connects)

	stream := openOutput(t, m.NewOutput())
	got, _ := readMix(t, stream)
	assert.Equal(t, []int16{7, 8}, got)
}

func TestAddInputWhileConnectedFailure(t *testing.T) {
	m := newTestMixer(t, Config{})
	require.NoError(t, m.Connect(t.Context()))
	t.Cleanup(func() { _ = m.Disconnect() })

	broken := counting(pullInput("broken", 1))
	broken.connectErr = errors.NewStd("no such device")

	_, err := m.AddInput(t.Context(), broken)
	require.ErrorIs(t, err, audiocore.ErrConnect)
	assert.Empty(t, m.Inputs(), "a failed connect rolls the registration back")
}

func TestConnectFailureRollsBack(t *testing.T) {
	m := newTestMixer(t, Config{})
	a := counting(pullInput("a", 1))
	b := counting(pullInput("b", 2))
	b.connectErr = errors.NewStd("device busy")

	_, err := m.AddInput(t.Context(), a)
	require.NoError(t, err)
	_, err = m.AddInput(t.Context(), b)
	require.NoError(t, err)

	o := m.NewOutput()
	err = o.Connect(t.Context())
	require.ErrorIs(t, err, audiocore.ErrConnect)

	connects, disconnects, _, _ := a.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects, "inputs opened before the failure are closed again")
	assert.Empty(t, o.Streams())
	for _, info := range m.Inputs() {
		assert.False(t, info.Connected)
	}
}

func TestUntranscodableInputFailsConnect(t *testing.T) {
	m := newTestMixer(t, Config{})
	a := counting(pullInput("a", 1))
	mulaw := s16Mono.WithEncoding(audiocore.EncodingMuLaw)
	b := counting(&streamSource{id: "phone", streams: []audiocore.SourceStream{
		&fixedBufferStream{format: mulaw, chunk: []byte{0xff}},
	}})

	_, err := m.AddInput(t.Context(), a)
	require.NoError(t, err)
	_, err = m.AddInput(t.Context(), b)
	require.NoError(t, err)

	err = m.NewOutput().Connect(t.Context())
	require.ErrorIs(t, err, audiocore.ErrTranscode)

	_, aDisconnects, _, _ := a.counts()
	_, bDisconnects, _, _ := b.counts()
	assert.Equal(t, 1, aDisconnects)
	assert.Equal(t, 1, bDisconnects, "the failing input is disconnected too")
}

func TestTranscodingInputConnectFailureKeepsConnectCategory(t *testing.T) {
	m := newTestMixer(t, Config{})
	s32 := s16Mono.WithEncoding(audiocore.EncodingPCMS32LE)
	wide := counting(sources.NewMemoryPullSource("wide", s32, make([]byte, 8)))
	wide.connectErr = errors.NewStd("device vanished")
	// The mixer connects the raw source first and the transcoding wrapper connects it again
	wide.okConnects = 1

	_, err := m.AddInput(t.Context(), wide)
	require.NoError(t, err)

	err = m.Connect(t.Context())
	require.ErrorIs(t, err, audiocore.ErrConnect)
	assert.NotErrorIs(t, err, audiocore.ErrTranscode)
	assert.True(t, errors.IsCategory(err, errors.CategorySourceConnect))

	_, disconnects, _, _ := wide.counts()
	assert.Equal(t, 1, disconnects, "the raw source is released again")
	assert.False(t, m.Inputs()[0].Connected)
}

func TestTranscodedInputIsReported(t *testing.T) {
	m := newTestMixer(t, Config{})
	s32 := s16Mono.WithEncoding(audiocore.EncodingPCMS32LE)
	_, err := m.AddInput(t.Context(), &streamSource{id: "wide", streams: []audiocore.SourceStream{
		&fixedBufferStream{format: s32, chunk: make([]byte, 8)},
	}})
	require.NoError(t, err)

	require.NoError(t, m.Connect(t.Context()))
	infos := m.Inputs()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Connected)
	assert.True(t, infos[0].Transcoded)

	require.NoError(t, m.Disconnect())
	assert.False(t, m.Inputs()[0].Transcoded, "the wrapper is dropped on disconnect")
}
