package devices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayload_TemplateDrivenResolvesPathsAndCoerces(t *testing.T) {
	now := time.Unix(0, 0)
	payload := []byte(`{"ts": 1000, "values": {"temperature": 35.1, "labels": ["a","b"]}}`)

	metrics := []MetricDefinition{
		{Name: "values.temperature", DataType: MetricFloat},
		{Name: "values.missing", DataType: MetricFloat},
		{Name: "values.labels[0]", DataType: MetricString},
	}

	points, err := ExtractPayload(ModeTemplateDriven, payload, metrics, now)
	require.NoError(t, err)

	byName := map[string]ExtractedMetric{}
	for _, p := range points {
		byName[p.Name] = p
	}

	require.Contains(t, byName, "_raw")
	assert.Equal(t, int64(1000), byName["_raw"].Timestamp)

	require.Contains(t, byName, "values.temperature")
	assert.Equal(t, 35.1, byName["values.temperature"].Value.Float)

	assert.NotContains(t, byName, "values.missing")

	require.Contains(t, byName, "values.labels[0]")
	assert.Equal(t, "a", byName["values.labels[0]"].Value.Str)
}

func TestExtractPayload_AutoExtractEmitsRawPlusScalars(t *testing.T) {
	now := time.Unix(0, 0)
	payload := []byte(`{"temperature": 22.5, "nested": {"a": 1}, "online": true}`)

	points, err := ExtractPayload(ModeAutoExtract, payload, nil, now)
	require.NoError(t, err)

	byName := map[string]ExtractedMetric{}
	for _, p := range points {
		byName[p.Name] = p
	}

	require.Contains(t, byName, "_raw")
	require.Contains(t, byName, "temperature")
	assert.Equal(t, 22.5, byName["temperature"].Value.Float)
	require.Contains(t, byName, "online")
	assert.True(t, byName["online"].Value.Bool)
	assert.NotContains(t, byName, "nested") // non-scalar skipped
}

func TestExtractPayload_RawOnlyEmitsOnlyRaw(t *testing.T) {
	now := time.Unix(0, 0)
	payload := []byte(`{"temperature": 22.5}`)

	points, err := ExtractPayload(ModeRawOnly, payload, []MetricDefinition{{Name: "temperature", DataType: MetricFloat}}, now)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "_raw", points[0].Name)
}

func TestResolvePath_EdgeCases(t *testing.T) {
	root := map[string]any{"a": map[string]any{"b": []any{1.0, 2.0}}}

	v, found, err := resolvePath(root, "$")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, root, v)

	_, found, err = resolvePath(root, "")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = resolvePath(root, "a.")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err = resolvePath(root, "a.b[0]")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1.0, v)

	_, found, err = resolvePath(root, "a.b[5]")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = resolvePath(root, "a.missing.x")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolvePath_MaxDepthExceeded(t *testing.T) {
	root := map[string]any{}
	path := ""
	for i := 0; i <= maxPathDepth; i++ {
		path += "a."
	}
	path += "a"

	_, _, err := resolvePath(root, path)
	assert.ErrorIs(t, err, ErrPathTooDeep)
}
