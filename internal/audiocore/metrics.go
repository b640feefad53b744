package audiocore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiomixer/internal/logging"
	"github.com/tphakala/audiomixer/internal/observability/metrics"
)

// MetricsCollector provides metrics collection for audiocore components
type MetricsCollector struct {
	metrics *metrics.MixerMetrics
	mu      sync.RWMutex
	enabled bool
}

// globalMetrics is a package-level metrics instance
var (
	globalMetrics     atomic.Pointer[MetricsCollector]
	globalMetricsOnce sync.Once
	metricsLogger     atomic.Pointer[slog.Logger]
)

// InitMetrics initializes the global metrics collector
func InitMetrics(metricsInstance *metrics.MixerMetrics) {
	globalMetricsOnce.Do(func() {
		setMetrics(metricsInstance)
	})
}

// setMetrics installs a collector unconditionally.
func setMetrics(metricsInstance *metrics.MixerMetrics) {
	logger := logging.ForService("audiocore")
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")
	metricsLogger.Store(logger)

	globalMetrics.Store(&MetricsCollector{
		metrics: metricsInstance,
		enabled: metricsInstance != nil,
	})

	if metricsInstance != nil {
		logger.Info("metrics collector initialized")
	} else {
		logger.Debug("metrics collector disabled")
	}
}

// GetMetrics returns the global metrics collector
func GetMetrics() *MetricsCollector {
	mc := globalMetrics.Load()
	if mc == nil {
		// Return a no-op collector if metrics not initialized
		return &MetricsCollector{enabled: false}
	}
	return mc
}

func (mc *MetricsCollector) active() bool {
	return mc.enabled && mc.metrics != nil
}

// RecordTick records one executed mixing tick
func (mc *MetricsCollector) RecordTick(mixerID, trigger string, duration time.Duration, maxLen int) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordTick(mixerID, trigger, duration.Seconds(), maxLen)
}

// RecordFrameDelivered records a tick frame enqueued for an output
func (mc *MetricsCollector) RecordFrameDelivered(mixerID, outputID string) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordFrameDelivered(mixerID, outputID)
}

// RecordFrameDropped records a tick frame discarded for an output
func (mc *MetricsCollector) RecordFrameDropped(mixerID, outputID, reason string) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordFrameDropped(mixerID, outputID, reason)

	if logger := metricsLogger.Load(); logger != nil && logger.Enabled(context.TODO(), slog.LevelDebug) {
		logger.Debug("mix frame dropped",
			"mixer_id", mixerID,
			"output_id", outputID,
			"reason", reason)
	}
}

// RecordInputBytes records raw bytes read from an input stream
func (mc *MetricsCollector) RecordInputBytes(mixerID, sourceID string, n int) {
	if !mc.active() || n == 0 {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordInputBytes(mixerID, sourceID, n)
}

// RecordFormatError records an input whose samples could not be normalized
func (mc *MetricsCollector) RecordFormatError(mixerID, sourceID string) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordFormatError(mixerID, sourceID)
}

// RecordInputFailure records an input that failed to connect, transcode or read
func (mc *MetricsCollector) RecordInputFailure(mixerID, sourceID, failure string) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordInputFailure(mixerID, sourceID, failure)

	if logger := metricsLogger.Load(); logger != nil {
		logger.Info("input failure recorded",
			"mixer_id", mixerID,
			"source_id", sourceID,
			"failure", failure)
	}
}

// RecordLifecycleEvent records a connect, disconnect, start or stop of a mixer
func (mc *MetricsCollector) RecordLifecycleEvent(mixerID, event string) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.RecordLifecycleEvent(mixerID, event)
}

// UpdateEngineSize updates the input and output gauges of a mixer
func (mc *MetricsCollector) UpdateEngineSize(mixerID string, inputs, outputs int) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.UpdateActiveInputs(mixerID, inputs)
	mc.metrics.UpdateActiveOutputs(mixerID, outputs)
}

// UpdateTranscodedInputs updates the number of transcoded inputs of a mixer
func (mc *MetricsCollector) UpdateTranscodedInputs(mixerID string, count int) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.UpdateTranscodedInputs(mixerID, count)
}

// RecordCodecCacheLookup records a codec path cache hit or miss
func (mc *MetricsCollector) RecordCodecCacheLookup(hit bool) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := metrics.CacheMiss
	if hit {
		result = metrics.CacheHit
	}
	mc.metrics.RecordCodecCacheLookup(result)
}

// RecordBufferPoolStats records buffer pool statistics for a specific tier
func (mc *MetricsCollector) RecordBufferPoolStats(tier string, stats BufferPoolStats) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.metrics.UpdateBuffersInUse(tier, stats.ActiveBuffers)
}

// RecordBufferAllocation records a buffer allocation
func (mc *MetricsCollector) RecordBufferAllocation(poolTier string, fromPool bool) {
	if !mc.active() {
		return
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	allocationType := "pooled"
	if !fromPool {
		allocationType = "new"
	}
	mc.metrics.RecordBufferAllocation(poolTier, allocationType)
}
