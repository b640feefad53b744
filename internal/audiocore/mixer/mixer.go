// Package mixer mixes independently clocked audio inputs into per-listener
// outputs. Every output hears the sum of all inputs except those excluded
// from it, which keeps a participant's own contribution out of their mix.
package mixer

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/tphakala/audiomixer/internal/audiocore"
	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
)

// Defaults applied to zero Config fields
const (
	DefaultQueueDepth = 8
)

// InputHandle identifies a registered input.
type InputHandle uint64

// Config configures a Mixer.
type Config struct {
	ID         string                // identifier used in logs and metrics, generated if empty
	Format     audiocore.AudioFormat // mix format, linear signed 16 or 32 bit
	PullFrames int                   // frames per read of pull inputs
	QueueDepth int                   // ticks buffered per output before the oldest is dropped
	Codecs     *audiocore.CodecRegistry
	BufferPool audiocore.BufferPool
}

// ConfigFromSettings builds a Config from application settings.
func ConfigFromSettings(id string, settings *conf.MixerSettings) Config {
	return Config{
		ID:         id,
		Format:     audiocore.FormatFromSettings(settings.Format),
		PullFrames: settings.PullFrames,
		QueueDepth: settings.QueueDepth,
		Codecs:     audiocore.NewDefaultCodecRegistry(settings.Transcoding.CacheTTL),
	}
}

// inputDescriptor is one registered input.
type inputDescriptor struct {
	handle    InputHandle
	raw       audiocore.DataSource
	effective audiocore.DataSource // raw, or raw wrapped for transcoding
	excluded  string
	connected bool
	started   bool
	streams   []*inputStream // adapted streams, built on first materialization
}

// InputInfo describes a registered input.
type InputInfo struct {
	Handle     InputHandle
	SourceID   string
	Excluded   string // output ID this input is excluded from, empty if none
	Connected  bool
	Transcoded bool
}

// InputOption configures an input at registration.
type InputOption func(*inputDescriptor)

// ExcludeFrom keeps the input out of the given output's mix.
func ExcludeFrom(o *Output) InputOption {
	return func(d *inputDescriptor) {
		if o != nil {
			d.excluded = o.ID()
		}
	}
}

// ExcludeOutputID keeps the input out of the mix of the output with this ID.
func ExcludeOutputID(id string) InputOption {
	return func(d *inputDescriptor) {
		d.excluded = id
	}
}

// Mixer owns the input registry and the shared mixing engine.
//
// Lock order is Output, then Mixer, then engine. The engine never calls
// back into the Mixer.
type Mixer struct {
	id         string
	format     audiocore.AudioFormat
	pullFrames int
	queueDepth int
	codecs     *audiocore.CodecRegistry
	pool       audiocore.BufferPool
	logger     *slog.Logger

	mu           sync.Mutex
	inputs       map[InputHandle]*inputDescriptor
	order        []InputHandle
	nextHandle   InputHandle
	connectCount int
	startCount   int
	engine       *engine
}

// New creates a mixer. The mix format must be linear signed 16 or 32 bit.
func New(cfg Config) (*Mixer, error) {
	if err := audiocore.ValidateMixFormat(cfg.Format); err != nil {
		return nil, err
	}
	if cfg.Format.BitDepth == 0 {
		cfg.Format.BitDepth = cfg.Format.Bits()
	}
	if cfg.ID == "" {
		cfg.ID = "mixer-" + uuid.NewString()[:8]
	}
	if cfg.PullFrames <= 0 {
		cfg.PullFrames = audiocore.DefaultPullFrames
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Codecs == nil {
		cfg.Codecs = audiocore.NewDefaultCodecRegistry(audiocore.DefaultCodecCacheTTL)
	}
	if cfg.BufferPool == nil {
		cfg.BufferPool = audiocore.NewBufferPool(audiocore.DefaultBufferPoolConfig())
	}

	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}

	return &Mixer{
		id:         cfg.ID,
		format:     cfg.Format,
		pullFrames: cfg.PullFrames,
		queueDepth: cfg.QueueDepth,
		codecs:     cfg.Codecs,
		pool:       cfg.BufferPool,
		logger:     logger.With("component", "mixer", "mixer_id", cfg.ID),
		inputs:     make(map[InputHandle]*inputDescriptor),
	}, nil
}

// ID returns the mixer identifier
func (m *Mixer) ID() string {
	return m.id
}

// Format returns the mix format
func (m *Mixer) Format() audiocore.AudioFormat {
	return m.format
}

// AddInput registers src. Registering the same source twice is a
// configuration error. If the mixer is connected the input is negotiated and
// connected immediately, and the registration is rolled back on failure.
func (m *Mixer) AddInput(ctx context.Context, src audiocore.DataSource, opts ...InputOption) (InputHandle, error) {
	if src == nil || !reflect.TypeOf(src).Comparable() {
		return 0, audiocore.NewConfigurationError(errors.NewStd("input source must be a non-nil comparable value")).
			Component("mixer").
			Context("operation", "add_input").
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.inputs {
		if d.raw == src {
			return 0, audiocore.NewConfigurationError(errors.NewStd("input source already registered")).
				Component("mixer").
				Context("operation", "add_input").
				Context("source_id", src.ID()).
				Build()
		}
	}

	m.nextHandle++
	d := &inputDescriptor{handle: m.nextHandle, raw: src, effective: src}
	for _, opt := range opts {
		opt(d)
	}

	if m.connectCount > 0 {
		if err := m.openInput(ctx, d); err != nil {
			return 0, err
		}
	}

	m.inputs[d.handle] = d
	m.order = append(m.order, d.handle)
	m.refreshEngine()

	m.logger.Info("input added",
		"handle", d.handle,
		"source_id", src.ID(),
		"excluded_output", d.excluded)
	return d.handle, nil
}

// RemoveInput stops, disconnects and forgets an input.
func (m *Mixer) RemoveInput(h InputHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.inputs[h]
	if !ok {
		return audiocore.NewConfigurationError(errors.NewStd("unknown input handle")).
			Component("mixer").
			Context("operation", "remove_input").
			Context("handle", uint64(h)).
			Build()
	}

	delete(m.inputs, h)
	m.order = slices.DeleteFunc(m.order, func(o InputHandle) bool { return o == h })
	m.refreshEngine()
	err := m.closeInput(d)

	m.logger.Info("input removed", "handle", h, "source_id", d.raw.ID())
	return err
}

// Inputs returns a snapshot of the registered inputs in registration order.
func (m *Mixer) Inputs() []InputInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]InputInfo, 0, len(m.order))
	for _, h := range m.order {
		d := m.inputs[h]
		_, transcoded := d.effective.(*audiocore.TranscodingDataSource)
		infos = append(infos, InputInfo{
			Handle:     h,
			SourceID:   d.raw.ID(),
			Excluded:   d.excluded,
			Connected:  d.connected,
			Transcoded: transcoded,
		})
	}
	return infos
}

// Connect takes a connection reference. The first reference negotiates and
// connects every input in registration order; on failure the inputs already
// connected are closed again in reverse order and the mixer stays disconnected.
func (m *Mixer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectCount > 0 {
		m.connectCount++
		return nil
	}

	opened := make([]*inputDescriptor, 0, len(m.order))
	for _, h := range m.order {
		d := m.inputs[h]
		if err := m.openInput(ctx, d); err != nil {
			for _, prev := range slices.Backward(opened) {
				if cerr := m.closeInput(prev); cerr != nil {
					m.logger.Warn("rollback disconnect failed", "source_id", prev.raw.ID(), "error", cerr)
				}
			}
			m.logger.Error("mixer connect failed", "source_id", d.raw.ID(), "error", err)
			return err
		}
		opened = append(opened, d)
	}

	m.connectCount = 1
	m.updateTranscodedGauge()
	audiocore.GetMetrics().RecordLifecycleEvent(m.id, "connect")
	m.logger.Info("mixer connected", "inputs", len(opened))
	return nil
}

// Disconnect releases a connection reference. The last release discards the
// engine and disconnects every input.
func (m *Mixer) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectCount == 0 {
		return nil
	}
	m.connectCount--
	if m.connectCount > 0 {
		return nil
	}

	if m.engine != nil {
		m.engine.discard()
		m.engine = nil
	}

	var errs []error
	for _, h := range slices.Backward(m.order) {
		if err := m.closeInput(m.inputs[h]); err != nil {
			errs = append(errs, err)
		}
	}

	m.updateTranscodedGauge()
	audiocore.GetMetrics().RecordLifecycleEvent(m.id, "disconnect")
	m.logger.Info("mixer disconnected")
	return errors.Join(errs...)
}

// Start takes a start reference. The first reference starts every connected
// input. Starting a disconnected mixer takes effect on the next Connect.
func (m *Mixer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCount++
	if m.startCount > 1 {
		return nil
	}

	var started []*inputDescriptor
	for _, h := range m.order {
		d := m.inputs[h]
		if !d.connected || d.started {
			continue
		}
		if err := d.effective.Start(ctx); err != nil {
			for _, prev := range slices.Backward(started) {
				m.stopInput(prev)
			}
			m.startCount = 0
			return audiocore.NewConnectError(err).
				Component("mixer").
				Context("operation", "start_input").
				Context("source_id", d.raw.ID()).
				Build()
		}
		d.started = true
		started = append(started, d)
	}

	audiocore.GetMetrics().RecordLifecycleEvent(m.id, "start")
	return nil
}

// Stop releases a start reference. The last release stops every input.
func (m *Mixer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startCount == 0 {
		return nil
	}
	m.startCount--
	if m.startCount > 0 {
		return nil
	}

	var errs []error
	for _, h := range slices.Backward(m.order) {
		if err := m.stopInput(m.inputs[h]); err != nil {
			errs = append(errs, err)
		}
	}
	audiocore.GetMetrics().RecordLifecycleEvent(m.id, "stop")
	return errors.Join(errs...)
}

// materializeEngine returns the running engine, building it from the
// connected inputs' streams if needed. It returns nil if the mixer is
// disconnected or no stream matches the mix format.
func (m *Mixer) materializeEngine() *engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		return m.engine
	}
	if m.connectCount == 0 {
		return nil
	}

	inputs := m.engineInputs()
	if len(inputs) == 0 {
		return nil
	}

	m.engine = newEngine(engineConfig{
		mixerID:    m.id,
		format:     m.format,
		queueDepth: m.queueDepth,
		pool:       m.pool,
		logger:     m.logger,
	}, inputs)
	m.logger.Debug("engine materialized", "streams", len(inputs))
	return m.engine
}

// refreshEngine pushes the current input set to a running engine. Caller holds m.mu.
func (m *Mixer) refreshEngine() {
	if m.engine != nil {
		m.engine.setInputs(m.engineInputs())
	}
}

// engineInputs adapts the streams of every connected input. Caller holds m.mu.
func (m *Mixer) engineInputs() []*inputStream {
	var inputs []*inputStream
	for _, h := range m.order {
		d := m.inputs[h]
		if !d.connected {
			continue
		}
		if d.streams == nil {
			d.streams = m.adaptStreams(d)
		}
		inputs = append(inputs, d.streams...)
	}
	return inputs
}

// adaptStreams wraps the matching streams of an input for the engine.
func (m *Mixer) adaptStreams(d *inputDescriptor) []*inputStream {
	streams := []*inputStream{}
	for _, s := range d.effective.Streams() {
		if !s.Format().Matches(m.format) {
			continue
		}
		adapted, err := audiocore.AdaptStream(s, audiocore.AdapterOptions{
			SourceID:   d.raw.ID(),
			PullFrames: m.pullFrames,
		})
		if err != nil {
			m.logger.Warn("input stream skipped", "source_id", d.raw.ID(), "error", err)
			continue
		}
		streams = append(streams, &inputStream{
			owner:    d.handle,
			excluded: d.excluded,
			sourceID: d.raw.ID(),
			stream:   adapted,
			push:     isPushStream(adapted),
		})
	}
	return streams
}

func (m *Mixer) updateTranscodedGauge() {
	count := 0
	for _, d := range m.inputs {
		if _, ok := d.effective.(*audiocore.TranscodingDataSource); ok && d.connected {
			count++
		}
	}
	audiocore.GetMetrics().UpdateTranscodedInputs(m.id, count)
}
