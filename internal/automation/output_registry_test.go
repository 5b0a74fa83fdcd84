package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRegistry_RegisterOutputsAddressableByDataSourceID(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("avg_temp", "Average Temperature", []TransformedMetric{
		{Metric: "result", Value: 21.5, Timestamp: 1000},
	}, true)

	out, ok := r.Output("transform:avg_temp:result")
	require.True(t, ok)
	assert.Equal(t, "avg_temp", out.TransformID)
	assert.Equal(t, "result", out.MetricName)
	assert.True(t, out.Enabled)
	assert.Equal(t, int64(1000), *out.LastUpdate)
}

func TestOutputRegistry_UpdateMetricBumpsLastUpdate(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("t1", "T1", []TransformedMetric{{Metric: "out", Value: 1, Timestamp: 100}}, true)
	r.UpdateMetric("t1", "out", 200)

	out, ok := r.Output("transform:t1:out")
	require.True(t, ok)
	assert.Equal(t, int64(200), *out.LastUpdate)
}

func TestOutputRegistry_UnregisterTransformRemovesAllItsOutputs(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("t1", "T1", []TransformedMetric{
		{Metric: "a", Value: 1, Timestamp: 1},
		{Metric: "b", Value: 2, Timestamp: 1},
	}, true)
	r.RegisterOutputs("t2", "T2", []TransformedMetric{{Metric: "c", Value: 3, Timestamp: 1}}, true)

	r.UnregisterTransform("t1")

	assert.Equal(t, 1, r.Count())
	_, ok := r.Output("transform:t1:a")
	assert.False(t, ok)
	_, ok = r.Output("transform:t2:c")
	assert.True(t, ok)
}

func TestOutputRegistry_ListAsDataSourcesExcludesDisabled(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("t1", "T1", []TransformedMetric{{Metric: "a", Value: 1, Timestamp: 1}}, true)
	r.RegisterOutputs("t2", "T2", []TransformedMetric{{Metric: "b", Value: 2, Timestamp: 1}}, false)

	sources := r.ListAsDataSources()
	assert.Len(t, sources, 1)
	assert.Equal(t, "transform:t1:a", sources[0].ID)
}

func TestOutputRegistry_TransformOutputsFiltersByTransform(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("t1", "T1", []TransformedMetric{{Metric: "a", Value: 1, Timestamp: 1}}, true)
	r.RegisterOutputs("t2", "T2", []TransformedMetric{{Metric: "b", Value: 2, Timestamp: 1}}, true)

	outs := r.TransformOutputs("t1")
	require.Len(t, outs, 1)
	assert.Equal(t, "a", outs[0].MetricName)
}

func TestParseDataSourceID(t *testing.T) {
	transformID, metric, ok := ParseDataSourceID("transform:avg_temp:result")
	require.True(t, ok)
	assert.Equal(t, "avg_temp", transformID)
	assert.Equal(t, "result", metric)

	_, _, ok = ParseDataSourceID("device:sensor1")
	assert.False(t, ok)
}

func TestOutputRegistry_ClearRemovesEverything(t *testing.T) {
	r := NewOutputRegistry()
	r.RegisterOutputs("t1", "T1", []TransformedMetric{{Metric: "a", Value: 1, Timestamp: 1}}, true)
	r.Clear()
	assert.Equal(t, 0, r.Count())
}
