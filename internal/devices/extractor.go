package devices

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExtractedMetric is one point the extractor pulled out of a telemetry
// payload.
type ExtractedMetric struct {
	Name      string
	Value     MetricValue
	Timestamp int64
}

// ExtractMode selects how ExtractPayload interprets a payload.
type ExtractMode int

const (
	// ModeTemplateDriven resolves each MetricDefinition's name as a path
	// into the payload.
	ModeTemplateDriven ExtractMode = iota
	// ModeAutoExtract emits _raw plus one metric per top-level scalar.
	ModeAutoExtract
	// ModeRawOnly emits only _raw.
	ModeRawOnly
)

// ErrPathTooDeep is returned when a path exceeds maxPathDepth segments.
var ErrPathTooDeep = fmt.Errorf("devices: path exceeds max depth")

const maxPathDepth = 32

// ExtractPayload converts a JSON telemetry payload into a list of
// metric points, per the selected mode. now is used as the fallback
// timestamp when the payload carries none.
func ExtractPayload(mode ExtractMode, payload []byte, metrics []MetricDefinition, now time.Time) ([]ExtractedMetric, error) {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("devices: invalid telemetry payload: %w", err)
	}

	ts := now.UnixMilli()
	if obj, ok := root.(map[string]any); ok {
		if v, ok := obj["ts"]; ok {
			if f, ok := toFloat(v); ok {
				ts = int64(f)
			}
		}
	}

	raw := ExtractedMetric{Name: "_raw", Value: StringValue(string(payload)), Timestamp: ts}

	switch mode {
	case ModeRawOnly:
		return []ExtractedMetric{raw}, nil

	case ModeAutoExtract:
		out := []ExtractedMetric{raw}
		obj, _ := root.(map[string]any)
		for key, v := range obj {
			mv, ok := scalarToMetricValue(v)
			if !ok {
				continue
			}
			out = append(out, ExtractedMetric{Name: key, Value: mv, Timestamp: ts})
		}
		return out, nil

	default: // ModeTemplateDriven
		out := []ExtractedMetric{raw}
		for _, def := range metrics {
			v, found, err := resolvePath(root, def.Name)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			mv, ok := coerce(v, def.DataType)
			if !ok {
				continue
			}
			out = append(out, ExtractedMetric{Name: def.Name, Value: mv, Timestamp: ts})
		}
		return out, nil
	}
}

// resolvePath resolves a "values.temperature" / "readings[0].value"
// style path against root. found is false for a missing path,
// out-of-bounds array index, empty path, or trailing dot; "$" resolves
// to root itself.
func resolvePath(root any, path string) (any, bool, error) {
	if path == "" || strings.HasSuffix(path, ".") {
		return nil, false, nil
	}
	if path == "$" {
		return root, true, nil
	}

	segments := strings.Split(path, ".")
	if len(segments) > maxPathDepth {
		return nil, false, ErrPathTooDeep
	}

	cur := root
	for _, seg := range segments {
		key, index, hasIndex := parseSegment(seg)

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		v, ok := obj[key]
		if !ok {
			return nil, false, nil
		}
		cur = v

		if hasIndex {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false, nil
			}
			if index < 0 || index >= len(arr) {
				return nil, false, nil
			}
			cur = arr[index]
		}
	}
	return cur, true, nil
}

// parseSegment splits "key[3]" into ("key", 3, true) or "key" into
// ("key", 0, false).
func parseSegment(seg string) (string, int, bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, 0, false
	}
	key := seg[:open]
	idxStr := seg[open+1 : len(seg)-1]
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return seg, 0, false
	}
	return key, idx, true
}

func scalarToMetricValue(v any) (MetricValue, bool) {
	switch val := v.(type) {
	case float64:
		return FloatValue(val), true
	case string:
		return StringValue(val), true
	case bool:
		return BoolValue(val), true
	default:
		return MetricValue{}, false
	}
}

// coerce converts a decoded JSON value to dt, allowing integer/float
// widening and preserving string/bool/binary. Arrays and objects are
// stringified via JSON re-encoding.
func coerce(v any, dt MetricDataType) (MetricValue, bool) {
	switch dt {
	case MetricInteger:
		if f, ok := toFloat(v); ok {
			return IntValue(int64(f)), true
		}
		return MetricValue{}, false
	case MetricFloat:
		if f, ok := toFloat(v); ok {
			return FloatValue(f), true
		}
		return MetricValue{}, false
	case MetricBoolean:
		if b, ok := v.(bool); ok {
			return BoolValue(b), true
		}
		return MetricValue{}, false
	case MetricString, MetricEnum:
		if s, ok := v.(string); ok {
			return StringValue(s), true
		}
		switch v.(type) {
		case map[string]any, []any:
			if b, err := json.Marshal(v); err == nil {
				return StringValue(string(b)), true
			}
		}
		return MetricValue{}, false
	case MetricBinary:
		if s, ok := v.(string); ok {
			return MetricValue{Kind: MetricBinary, Binary: []byte(s)}, true
		}
		return MetricValue{}, false
	default:
		return MetricValue{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
