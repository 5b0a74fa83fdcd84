package automation

import (
	"strings"
	"sync"
	"time"
)

// OutputType classifies a transform output's value for display and
// downstream coercion.
type OutputType string

const (
	OutputFloat   OutputType = "float"
	OutputInteger OutputType = "integer"
	OutputBoolean OutputType = "boolean"
	OutputString  OutputType = "string"
	OutputUnknown OutputType = "unknown"
)

// OutputInfo describes a single registered transform output — a data
// source any rule condition, agent tool, or dashboard can address the
// same way it addresses a device metric.
type OutputInfo struct {
	TransformID   string
	TransformName string
	MetricName    string
	DataSourceID  string
	DisplayName   string
	DataType      OutputType
	Unit          string
	Description   string
	LastUpdate    *int64
	RegisteredAt  int64
	Enabled       bool
}

// DataSourceInfo is OutputInfo reshaped for the same listing the
// extension plane uses for its own data sources, so a dashboard treats
// transform outputs and extension outputs identically.
type DataSourceInfo struct {
	ID            string
	TransformID   string
	TransformName string
	MetricName    string
	DisplayName   string
	DataType      string
	Unit          string
	Description   string
	LastUpdate    *int64
}

// OutputRegistry tracks every metric a transform has ever produced and
// exposes them as addressable data sources under
// "transform:{transform_id}:{metric_name}".
type OutputRegistry struct {
	mu              sync.RWMutex
	outputs         map[string]OutputInfo  // data_source_id -> info
	transformOutput map[string][]string    // transform_id -> metric names
	now             func() time.Time
}

// NewOutputRegistry creates an empty registry.
func NewOutputRegistry() *OutputRegistry {
	return &OutputRegistry{
		outputs:         make(map[string]OutputInfo),
		transformOutput: make(map[string][]string),
		now:             time.Now,
	}
}

// DataSourceID formats the canonical addressable id for a transform's
// output metric.
func DataSourceID(transformID, metricName string) string {
	return "transform:" + transformID + ":" + metricName
}

// RegisterOutputs records the metrics produced by a successful
// transform run as queryable data sources, replacing any prior
// registration for metrics with the same name.
func (r *OutputRegistry) RegisterOutputs(transformID, transformName string, metrics []TransformedMetric, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().Unix()
	names := make([]string, 0, len(metrics))
	for _, m := range metrics {
		names = append(names, m.Metric)
	}
	r.transformOutput[transformID] = names

	for _, m := range metrics {
		id := DataSourceID(transformID, m.Metric)
		ts := m.Timestamp
		r.outputs[id] = OutputInfo{
			TransformID:   transformID,
			TransformName: transformName,
			MetricName:    m.Metric,
			DataSourceID:  id,
			DisplayName:   transformName + ": " + m.Metric,
			DataType:      OutputFloat,
			Description:   "Output from transform: " + transformName,
			LastUpdate:    &ts,
			RegisteredAt:  now,
			Enabled:       enabled,
		}
	}
}

// UpdateMetric bumps the last-update timestamp for one already
// registered output, without re-registering the whole set.
func (r *OutputRegistry) UpdateMetric(transformID, metricName string, timestamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := DataSourceID(transformID, metricName)
	if out, ok := r.outputs[id]; ok {
		out.LastUpdate = &timestamp
		r.outputs[id] = out
	}
}

// UnregisterTransform removes every output belonging to transformID.
// Call this when the transform itself is deleted.
func (r *OutputRegistry) UnregisterTransform(transformID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, ok := r.transformOutput[transformID]
	if !ok {
		return
	}
	delete(r.transformOutput, transformID)
	for _, name := range names {
		delete(r.outputs, DataSourceID(transformID, name))
	}
}

// ListOutputs returns every registered output, in no particular order.
func (r *OutputRegistry) ListOutputs() []OutputInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OutputInfo, 0, len(r.outputs))
	for _, v := range r.outputs {
		out = append(out, v)
	}
	return out
}

// TransformOutputs returns the outputs registered for one transform.
func (r *OutputRegistry) TransformOutputs(transformID string) []OutputInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OutputInfo
	for _, v := range r.outputs {
		if v.TransformID == transformID {
			out = append(out, v)
		}
	}
	return out
}

// Output looks up a single registered output by its data source id.
func (r *OutputRegistry) Output(dataSourceID string) (OutputInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.outputs[dataSourceID]
	return v, ok
}

// ListAsDataSources returns the enabled outputs reshaped for a unified
// data-source listing alongside extension data sources.
func (r *OutputRegistry) ListAsDataSources() []DataSourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataSourceInfo, 0, len(r.outputs))
	for _, o := range r.outputs {
		if !o.Enabled {
			continue
		}
		out = append(out, DataSourceInfo{
			ID:            o.DataSourceID,
			TransformID:   o.TransformID,
			TransformName: o.TransformName,
			MetricName:    o.MetricName,
			DisplayName:   o.DisplayName,
			DataType:      string(o.DataType),
			Unit:          o.Unit,
			Description:   o.Description,
			LastUpdate:    o.LastUpdate,
		})
	}
	return out
}

// Clear drops every registered output.
func (r *OutputRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = make(map[string]OutputInfo)
	r.transformOutput = make(map[string][]string)
}

// Count returns the number of currently registered outputs.
func (r *OutputRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outputs)
}

// ParseDataSourceID splits "transform:{id}:{metric}" back into its
// parts. ok is false for anything not in that shape.
func ParseDataSourceID(id string) (transformID, metric string, ok bool) {
	rest, found := strings.CutPrefix(id, "transform:")
	if !found {
		return "", "", false
	}
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
