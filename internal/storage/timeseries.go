package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

const timeseriesTable = "telemetry"

// extensionSourcePrefix marks a source id as belonging to an extension
// rather than a device, per the shared-table/prefixed-key convention.
const extensionSourcePrefix = "extension:"

// Point is a single time-series sample.
type Point struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// TimeSeries stores device and extension metric points on top of a
// Backend, keyed by (source, metric, timestamp) so range queries are a
// prefix scan followed by an in-process sort.
type TimeSeries struct {
	backend Backend
}

// NewTimeSeries wraps backend with the time-series key scheme.
func NewTimeSeries(backend Backend) *TimeSeries {
	return &TimeSeries{backend: backend}
}

// ExtensionSource namespaces source for an extension-provided metric, so
// it shares the telemetry table with device metrics but never collides
// with a device id.
func ExtensionSource(extensionID string) string {
	return extensionSourcePrefix + extensionID
}

func pointKey(source, metric string, ts int64) string {
	// Zero-padded timestamp keeps lexicographic and chronological order
	// identical, which is what makes a prefix scan come back sorted.
	return fmt.Sprintf("%s/%s/%020d", source, metric, ts)
}

func (ts *TimeSeries) Write(ctx context.Context, source, metric string, point Point) error {
	data, err := json.Marshal(point)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Io, "marshal time-series point", err)
	}
	key := pointKey(source, metric, point.Timestamp)
	if err := ts.backend.Set(ctx, timeseriesTable, key, data); err != nil {
		return err
	}
	return nil
}

// QueryRange returns every point for (source, metric) with
// startTS <= timestamp <= endTS, ascending by time.
func (ts *TimeSeries) QueryRange(ctx context.Context, source, metric string, startTS, endTS int64) ([]Point, error) {
	prefix := source + "/" + metric + "/"
	entries, err := ts.backend.Scan(ctx, timeseriesTable, prefix)
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(entries))
	for _, e := range entries {
		var p Point
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Integrity, "unmarshal time-series point", err)
		}
		if p.Timestamp < startTS || p.Timestamp > endTS {
			continue
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points, nil
}

// Latest returns the most recent point for (source, metric), or false if
// none exist.
func (ts *TimeSeries) Latest(ctx context.Context, source, metric string) (Point, bool, error) {
	prefix := source + "/" + metric + "/"
	entries, err := ts.backend.Scan(ctx, timeseriesTable, prefix)
	if err != nil {
		return Point{}, false, err
	}
	if len(entries) == 0 {
		return Point{}, false, nil
	}

	var latest Point
	found := false
	for _, e := range entries {
		var p Point
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return Point{}, false, edgeerr.Wrap(edgeerr.Integrity, "unmarshal time-series point", err)
		}
		if !found || p.Timestamp > latest.Timestamp {
			latest = p
			found = true
		}
	}
	return latest, found, nil
}

// ListMetrics returns the distinct metric names recorded for source.
func (ts *TimeSeries) ListMetrics(ctx context.Context, source string) ([]string, error) {
	entries, err := ts.backend.Scan(ctx, timeseriesTable, source+"/")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, source+"/")
		metric, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		seen[metric] = struct{}{}
	}

	metrics := make([]string, 0, len(seen))
	for m := range seen {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics, nil
}

// ListSources returns every distinct source (device id or extension:id)
// with recorded points.
func (ts *TimeSeries) ListSources(ctx context.Context) ([]string, error) {
	entries, err := ts.backend.Scan(ctx, timeseriesTable, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		source, _, ok := strings.Cut(e.Key, "/")
		if !ok {
			continue
		}
		seen[source] = struct{}{}
	}

	sources := make([]string, 0, len(seen))
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources, nil
}

// DeleteOlderThan removes every point across every source/metric with a
// timestamp strictly before cutoffTS. It returns the count removed.
// Driven by the maintenance scheduler's retention sweep.
func (ts *TimeSeries) DeleteOlderThan(ctx context.Context, cutoffTS int64) (int, error) {
	entries, err := ts.backend.Scan(ctx, timeseriesTable, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		// Key layout is source/metric/<20-digit ts>; the timestamp is
		// the final segment and cheaper to parse than unmarshalling the
		// whole point.
		idx := strings.LastIndex(e.Key, "/")
		if idx < 0 {
			continue
		}
		tsPart := e.Key[idx+1:]
		pointTS, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			continue
		}
		if pointTS >= cutoffTS {
			continue
		}
		if err := ts.backend.Delete(ctx, timeseriesTable, e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
