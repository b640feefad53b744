package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*MixerMetrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := NewMixerMetrics(registry)
	require.NoError(t, err)
	return m, registry
}

func TestNewMixerMetricsRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	_, registry := newTestMetrics(t)
	_, err := NewMixerMetrics(registry)
	assert.Error(t, err)
}

func TestRecordTick(t *testing.T) {
	t.Parallel()

	m, registry := newTestMetrics(t)
	m.RecordTick("conf", "push", 0.001, 960)
	m.RecordTick("conf", "push", 0.002, 0)
	m.RecordTick("conf", "pull", 0.002, 480)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ticksTotal.WithLabelValues("conf", "push")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ticksTotal.WithLabelValues("conf", "pull")), 0)

	families, err := registry.Gather()
	require.NoError(t, err)

	var histogram *dto.Histogram
	for _, family := range families {
		if family.GetName() == "audiomixer_tick_samples" {
			histogram = family.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, histogram)
	assert.Equal(t, uint64(2), histogram.GetSampleCount(), "empty ticks are not observed")
}

func TestFrameDeliveryCounters(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	m.RecordFrameDelivered("conf", "alice")
	m.RecordFrameDelivered("conf", "alice")
	m.RecordFrameDropped("conf", "bob", DropQueueFull)

	assert.InDelta(t, 2, testutil.ToFloat64(m.framesDelivered.WithLabelValues("conf", "alice")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.framesDropped.WithLabelValues("conf", "bob", DropQueueFull)), 0)
}

func TestInputCounters(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	m.RecordInputBytes("conf", "mic", 1920)
	m.RecordInputBytes("conf", "mic", 80)
	m.RecordFormatError("conf", "mic")
	m.RecordInputFailure("conf", "file", FailureTranscode)

	assert.InDelta(t, 2000, testutil.ToFloat64(m.inputBytes.WithLabelValues("conf", "mic")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.formatErrors.WithLabelValues("conf", "mic")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.inputFailures.WithLabelValues("conf", "file", FailureTranscode)), 0)
}

func TestGauges(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	m.UpdateActiveInputs("conf", 3)
	m.UpdateActiveOutputs("conf", 2)
	m.UpdateTranscodedInputs("conf", 1)
	m.UpdateBuffersInUse("small", 4)

	assert.InDelta(t, 3, testutil.ToFloat64(m.activeInputs.WithLabelValues("conf")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.activeOutputs.WithLabelValues("conf")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transcodedInputs.WithLabelValues("conf")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.buffersInUse.WithLabelValues("small")), 0)
}

func TestCodecCacheLookups(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	m.RecordCodecCacheLookup(CacheMiss)
	m.RecordCodecCacheLookup(CacheHit)
	m.RecordCodecCacheLookup(CacheHit)

	assert.InDelta(t, 2, testutil.ToFloat64(m.codecCacheLookups.WithLabelValues(CacheHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.codecCacheLookups.WithLabelValues(CacheMiss)), 0)
}
