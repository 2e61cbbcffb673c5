package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

func gatherValue(t *testing.T, registry *prometheus.Registry, name string) (float64, bool) {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		metric := family.GetMetric()
		require.NotEmpty(t, metric)
		if gauge := metric[0].GetGauge(); gauge != nil {
			return gauge.GetValue(), true
		}
		if counter := metric[0].GetCounter(); counter != nil {
			return counter.GetValue(), true
		}
	}
	return 0, false
}

func TestSystemMetricsRecordsRuntime(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSystemMetrics(registry, logger.New(logger.ERROR))

	// StartRecording снимает показатели сразу, до первого тика
	m.StartRecording(time.Hour)
	defer m.Stop()

	goroutines, found := gatherValue(t, registry, "runtime_goroutines")
	require.True(t, found)
	assert.Greater(t, goroutines, 0.0)

	heap, found := gatherValue(t, registry, "runtime_heap_alloc_bytes")
	require.True(t, found)
	assert.Greater(t, heap, 0.0)
}

func TestSystemMetricsSchedulerLiveness(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSystemMetrics(registry, logger.New(logger.ERROR))

	before, found := gatherValue(t, registry, "dunning_scheduler_last_run_timestamp_seconds")
	require.True(t, found)
	assert.Equal(t, 0.0, before)

	m.RecordSchedulerRun()

	after, found := gatherValue(t, registry, "dunning_scheduler_last_run_timestamp_seconds")
	require.True(t, found)
	assert.InDelta(t, float64(time.Now().Unix()), after, 5.0)
}
