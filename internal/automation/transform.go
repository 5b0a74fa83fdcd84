package automation

import (
	"time"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// TransformedMetric is one output value produced by a transform run.
type TransformedMetric struct {
	Metric    string
	Value     float64
	Timestamp int64
}

// TransformOp is the side-effect-free computation a transform applies
// to its inputs. Implementations must not block on I/O; a transform
// run happens inline on the value-provider update path.
type TransformOp func(inputs map[string]float64) (map[string]float64, error)

// Transform is a side-effect-free producer: it reads a fixed set of
// DataSourceId inputs, computes one or more outputs, and registers them
// under "transform:{id}:{output}" so they become addressable like a
// device metric.
type Transform struct {
	ID      string
	Name    string
	Enabled bool
	// Inputs maps each input name the Op expects to the DataSourceId
	// (device id, "extension:id", or another transform's
	// "transform:id") the value provider resolves it from.
	Inputs map[string]DataSourceRef
	Op     TransformOp
}

// DataSourceRef names one value-provider lookup: SourceID is the raw
// identifier (prefixed for extension/transform sources, bare for
// device), Metric is the field on that source.
type DataSourceRef struct {
	SourceID string
	Metric   string
}

// ValueResolver is the read side of the rule engine's unified value
// provider. Satisfied by *rules.Provider by signature.
type ValueResolver interface {
	Value(sourceID, metric string) (float64, bool)
}

// ValueUpdater is the write side of the unified value provider.
// Satisfied by *rules.Provider by signature.
type ValueUpdater interface {
	UpdateTransformValue(transformID, output string, value float64)
}

// TransformRunner executes transforms against a shared value provider
// and registers their outputs in an OutputRegistry.
type TransformRunner struct {
	resolver ValueResolver
	updater  ValueUpdater
	registry *OutputRegistry
	now      func() time.Time
}

// NewTransformRunner wires a runner to the value provider (used both as
// resolver and updater — *rules.Provider satisfies both) and the output
// registry transform outputs are published to.
func NewTransformRunner(provider interface {
	ValueResolver
	ValueUpdater
}, registry *OutputRegistry) *TransformRunner {
	return &TransformRunner{resolver: provider, updater: provider, registry: registry, now: time.Now}
}

// Run resolves t's declared inputs, invokes its Op, writes every output
// back into the value provider, and registers them in the output
// registry. A missing input is InvalidState — the transform does not
// run partially.
func (r *TransformRunner) Run(t *Transform) ([]TransformedMetric, error) {
	if !t.Enabled {
		return nil, edgeerr.Newf(edgeerr.InvalidState, "transform %s is disabled", t.ID)
	}

	inputs := make(map[string]float64, len(t.Inputs))
	for name, ref := range t.Inputs {
		v, ok := r.resolver.Value(ref.SourceID, ref.Metric)
		if !ok {
			return nil, edgeerr.Newf(edgeerr.NotFound, "transform %s: input %s (%s.%s) unavailable", t.ID, name, ref.SourceID, ref.Metric)
		}
		inputs[name] = v
	}

	outputs, err := t.Op(inputs)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Integrity, "transform "+t.ID+" computation failed", err)
	}

	now := r.now().Unix()
	metrics := make([]TransformedMetric, 0, len(outputs))
	for name, value := range outputs {
		r.updater.UpdateTransformValue(t.ID, name, value)
		metrics = append(metrics, TransformedMetric{Metric: name, Value: value, Timestamp: now})
	}

	if r.registry != nil {
		r.registry.RegisterOutputs(t.ID, t.Name, metrics, t.Enabled)
	}
	return metrics, nil
}
