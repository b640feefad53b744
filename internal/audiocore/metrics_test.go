package audiocore

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/audiomixer/internal/observability/metrics"
)

func TestNoopMetricsCollector(t *testing.T) {
	t.Parallel()

	mc := &MetricsCollector{}
	assert.NotPanics(t, func() {
		mc.RecordTick("m", "pull", time.Millisecond, 10)
		mc.RecordFrameDelivered("m", "o")
		mc.RecordFrameDropped("m", "o", metrics.DropQueueFull)
		mc.RecordInputBytes("m", "s", 10)
		mc.RecordFormatError("m", "s")
		mc.RecordInputFailure("m", "s", metrics.FailureConnect)
		mc.RecordLifecycleEvent("m", "connect")
		mc.UpdateEngineSize("m", 1, 1)
		mc.UpdateTranscodedInputs("m", 1)
		mc.RecordCodecCacheLookup(true)
		mc.RecordBufferPoolStats(TierSmall, BufferPoolStats{})
		mc.RecordBufferAllocation(TierSmall, true)
	})
}

func TestMetricsCollectorRecordsToRegistry(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	mixerMetrics, err := metrics.NewMixerMetrics(registry)
	require.NoError(t, err)

	mc := &MetricsCollector{metrics: mixerMetrics, enabled: true}
	mc.RecordTick("m", "push", time.Millisecond, 480)
	mc.RecordInputBytes("m", "s", 0)
	mc.RecordInputBytes("m", "s", 960)
	mc.RecordCodecCacheLookup(false)

	count, err := testutil.GatherAndCount(registry,
		"audiomixer_ticks_total",
		"audiomixer_input_bytes_total",
		"audiomixer_codec_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
