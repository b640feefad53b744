// Package metrics provides Prometheus collectors for the mixing pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MixerMetrics contains Prometheus metrics for mixer operations
type MixerMetrics struct {
	registry *prometheus.Registry

	// Engine metrics
	ticksTotal    *prometheus.CounterVec
	tickDuration  *prometheus.HistogramVec
	tickMaxLength *prometheus.HistogramVec
	activeInputs  *prometheus.GaugeVec
	activeOutputs *prometheus.GaugeVec

	// Output delivery metrics
	framesDelivered *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec

	// Input metrics
	inputBytes      *prometheus.CounterVec
	formatErrors    *prometheus.CounterVec
	inputFailures   *prometheus.CounterVec
	lifecycleEvents *prometheus.CounterVec

	// Transcoding metrics
	codecCacheLookups *prometheus.CounterVec
	transcodedInputs  *prometheus.GaugeVec

	// Buffer pool metrics
	bufferAllocations *prometheus.CounterVec
	buffersInUse      *prometheus.GaugeVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMixerMetrics creates and registers new mixer metrics
func NewMixerMetrics(registry *prometheus.Registry) (*MixerMetrics, error) {
	m := &MixerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *MixerMetrics) initMetrics() {
	m.ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_ticks_total",
			Help: "Total number of mixing ticks executed",
		},
		[]string{"mixer_id", "trigger"},
	)

	m.tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiomixer_tick_duration_seconds",
			Help:    "Time taken to read, normalize and broadcast one tick",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50µs to ~100ms
		},
		[]string{"mixer_id"},
	)

	m.tickMaxLength = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiomixer_tick_samples",
			Help:    "Largest per-input sample count observed in a tick",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"mixer_id"},
	)

	m.activeInputs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiomixer_active_inputs",
			Help: "Number of input streams feeding the engine",
		},
		[]string{"mixer_id"},
	)

	m.activeOutputs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiomixer_active_outputs",
			Help: "Number of started outputs receiving ticks",
		},
		[]string{"mixer_id"},
	)

	m.framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_frames_delivered_total",
			Help: "Tick frames enqueued for an output",
		},
		[]string{"mixer_id", "output_id"},
	)

	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_frames_dropped_total",
			Help: "Tick frames discarded before an output read them",
		},
		[]string{"mixer_id", "output_id", "reason"},
	)

	m.inputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_input_bytes_total",
			Help: "Raw bytes read from input streams",
		},
		[]string{"mixer_id", "source_id"},
	)

	m.formatErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_format_errors_total",
			Help: "Reads aborted because an input delivered an unsupported sample layout",
		},
		[]string{"mixer_id", "source_id"},
	)

	m.inputFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_input_failures_total",
			Help: "Inputs that failed to connect, transcode or read",
		},
		[]string{"mixer_id", "source_id", "failure"},
	)

	m.lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_lifecycle_events_total",
			Help: "Connect, disconnect, start and stop transitions of the shared engine",
		},
		[]string{"mixer_id", "event"},
	)

	m.codecCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_codec_cache_lookups_total",
			Help: "Codec path cache lookups",
		},
		[]string{"result"},
	)

	m.transcodedInputs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiomixer_transcoded_inputs",
			Help: "Connected inputs wrapped in a transcoding source",
		},
		[]string{"mixer_id"},
	)

	m.bufferAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiomixer_buffer_allocations_total",
			Help: "Buffer pool allocations",
		},
		[]string{"pool_tier", "allocation_type"},
	)

	m.buffersInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiomixer_buffers_in_use",
			Help: "Buffers currently checked out of the pool",
		},
		[]string{"pool_tier"},
	)

	m.collectors = []prometheus.Collector{
		m.ticksTotal,
		m.tickDuration,
		m.tickMaxLength,
		m.activeInputs,
		m.activeOutputs,
		m.framesDelivered,
		m.framesDropped,
		m.inputBytes,
		m.formatErrors,
		m.inputFailures,
		m.lifecycleEvents,
		m.codecCacheLookups,
		m.transcodedInputs,
		m.bufferAllocations,
		m.buffersInUse,
	}
}

// Describe implements prometheus.Collector
func (m *MixerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *MixerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTick records one executed tick
func (m *MixerMetrics) RecordTick(mixerID, trigger string, seconds float64, maxLen int) {
	m.ticksTotal.WithLabelValues(mixerID, trigger).Inc()
	m.tickDuration.WithLabelValues(mixerID).Observe(seconds)
	if maxLen > 0 {
		m.tickMaxLength.WithLabelValues(mixerID).Observe(float64(maxLen))
	}
}

// UpdateActiveInputs sets the number of engine input streams
func (m *MixerMetrics) UpdateActiveInputs(mixerID string, count int) {
	m.activeInputs.WithLabelValues(mixerID).Set(float64(count))
}

// UpdateActiveOutputs sets the number of live outputs
func (m *MixerMetrics) UpdateActiveOutputs(mixerID string, count int) {
	m.activeOutputs.WithLabelValues(mixerID).Set(float64(count))
}

// RecordFrameDelivered records a frame enqueued for an output
func (m *MixerMetrics) RecordFrameDelivered(mixerID, outputID string) {
	m.framesDelivered.WithLabelValues(mixerID, outputID).Inc()
}

// RecordFrameDropped records a frame discarded for an output
func (m *MixerMetrics) RecordFrameDropped(mixerID, outputID, reason string) {
	m.framesDropped.WithLabelValues(mixerID, outputID, reason).Inc()
}

// RecordInputBytes records raw bytes read from an input
func (m *MixerMetrics) RecordInputBytes(mixerID, sourceID string, bytes int) {
	m.inputBytes.WithLabelValues(mixerID, sourceID).Add(float64(bytes))
}

// RecordFormatError records an aborted read
func (m *MixerMetrics) RecordFormatError(mixerID, sourceID string) {
	m.formatErrors.WithLabelValues(mixerID, sourceID).Inc()
}

// RecordInputFailure records an input that failed to connect, transcode or read
func (m *MixerMetrics) RecordInputFailure(mixerID, sourceID, failure string) {
	m.inputFailures.WithLabelValues(mixerID, sourceID, failure).Inc()
}

// RecordLifecycleEvent records an engine lifecycle transition
func (m *MixerMetrics) RecordLifecycleEvent(mixerID, event string) {
	m.lifecycleEvents.WithLabelValues(mixerID, event).Inc()
}

// RecordCodecCacheLookup records a codec path cache hit or miss
func (m *MixerMetrics) RecordCodecCacheLookup(result string) {
	m.codecCacheLookups.WithLabelValues(result).Inc()
}

// UpdateTranscodedInputs sets the number of transcoded inputs
func (m *MixerMetrics) UpdateTranscodedInputs(mixerID string, count int) {
	m.transcodedInputs.WithLabelValues(mixerID).Set(float64(count))
}

// RecordBufferAllocation records a buffer pool allocation
func (m *MixerMetrics) RecordBufferAllocation(poolTier, allocationType string) {
	m.bufferAllocations.WithLabelValues(poolTier, allocationType).Inc()
}

// UpdateBuffersInUse sets the number of buffers checked out of a pool tier
func (m *MixerMetrics) UpdateBuffersInUse(poolTier string, count int) {
	m.buffersInUse.WithLabelValues(poolTier).Set(float64(count))
}
