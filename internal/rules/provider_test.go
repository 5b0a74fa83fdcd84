package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProvider_UpdateAndValueRoundTrip(t *testing.T) {
	p := New()
	p.UpdateDeviceValue("sensor1", "temperature", 21.5)

	v, ok := p.Value("sensor1", "temperature")
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)
}

func TestProvider_ValueMissingReturnsFalse(t *testing.T) {
	p := New()
	_, ok := p.Value("sensor1", "temperature")
	assert.False(t, ok)
}

func TestProvider_ExpiredEntryReturnsFalseNotStale(t *testing.T) {
	fakeNow := time.Now()
	p := New()
	p.now = func() time.Time { return fakeNow }
	p.UpdateValueWithTTL(SourceDevice, "sensor1", "temperature", 21.5, time.Second)

	fakeNow = fakeNow.Add(2 * time.Second)
	_, ok := p.Value("sensor1", "temperature")
	assert.False(t, ok)
}

func TestProvider_ZeroTTLNeverExpires(t *testing.T) {
	fakeNow := time.Now()
	p := New()
	p.now = func() time.Time { return fakeNow }
	p.UpdateValueWithTTL(SourceDevice, "sensor1", "temperature", 21.5, 0)

	fakeNow = fakeNow.Add(24 * time.Hour)
	v, ok := p.Value("sensor1", "temperature")
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)
}

func TestProvider_ValueResolvesExtensionAndTransformPrefixes(t *testing.T) {
	p := New()
	p.UpdateExtensionValue("weather", "temperature_c", 18.0)
	p.UpdateTransformValue("avg_temp", "result", 19.5)

	v, ok := p.Value("extension:weather", "temperature_c")
	assert.True(t, ok)
	assert.Equal(t, 18.0, v)

	v, ok = p.Value("transform:avg_temp", "result")
	assert.True(t, ok)
	assert.Equal(t, 19.5, v)
}

func TestProvider_UpdateExtensionCommandValueNamesMetricCommandDotField(t *testing.T) {
	p := New()
	p.UpdateExtensionCommandValue("weather", "get_current_weather", "temperature_c", 18.0)

	v, ok := p.Value("extension:weather", "get_current_weather.temperature_c")
	assert.True(t, ok)
	assert.Equal(t, 18.0, v)
}

func TestProvider_ClearExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	fakeNow := time.Now()
	p := New()
	p.now = func() time.Time { return fakeNow }

	p.UpdateValueWithTTL(SourceDevice, "sensor1", "temperature", 1.0, time.Second)
	p.UpdateValueWithTTL(SourceDevice, "sensor2", "temperature", 2.0, time.Hour)

	fakeNow = fakeNow.Add(2 * time.Second)
	removed := p.ClearExpired()
	assert.Equal(t, 1, removed)

	_, ok := p.Value("sensor1", "temperature")
	assert.False(t, ok)
	_, ok = p.Value("sensor2", "temperature")
	assert.True(t, ok)
}

func TestProvider_SourceValuesFiltersBySourceAndExcludesExpired(t *testing.T) {
	fakeNow := time.Now()
	p := New()
	p.now = func() time.Time { return fakeNow }

	p.UpdateDeviceValue("sensor1", "temperature", 21.0)
	p.UpdateDeviceValue("sensor1", "humidity", 55.0)
	p.UpdateValueWithTTL(SourceDevice, "sensor1", "stale", 0.0, time.Millisecond)
	p.UpdateDeviceValue("sensor2", "temperature", 19.0)

	fakeNow = fakeNow.Add(time.Second)
	values := p.SourceValues(SourceDevice, "sensor1")
	assert.Len(t, values, 2)
	assert.Equal(t, 21.0, values["temperature"])
	assert.Equal(t, 55.0, values["humidity"])
}

func TestProvider_Stats(t *testing.T) {
	fakeNow := time.Now()
	p := New()
	p.now = func() time.Time { return fakeNow }

	p.UpdateValueWithTTL(SourceDevice, "sensor1", "a", 1.0, time.Second)
	p.UpdateValueWithTTL(SourceDevice, "sensor1", "b", 2.0, time.Hour)

	fakeNow = fakeNow.Add(2 * time.Second)
	stats := p.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.ExpiredEntries)
	assert.Equal(t, 1, stats.ActiveEntries)
}

func TestCoerceToFloat(t *testing.T) {
	cases := []struct {
		in      any
		want    float64
		wantOk  bool
	}{
		{true, 1, true},
		{false, 0, true},
		{"3.14", 3.14, true},
		{" 42 ", 42, true},
		{"not-a-number", 0, false},
		{42, 42, true},
		{map[string]any{"x": 1}, 0, false},
	}
	for _, tc := range cases {
		got, ok := CoerceToFloat(tc.in)
		assert.Equal(t, tc.wantOk, ok, "input %v", tc.in)
		if tc.wantOk {
			assert.Equal(t, tc.want, got, "input %v", tc.in)
		}
	}
}
