package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionPolicy bounds how long time-series points and memory entries
// are kept. Zero means "no limit" for that dimension.
type RetentionPolicy struct {
	TimeseriesRetentionHours int
	MemoryRetentionHours     int
	MaxHistoryEntries        int
}

// MemorySweeper is implemented by the memory tiers so the maintenance
// scheduler can enforce MemoryRetentionHours without storage importing
// the memory package.
type MemorySweeper interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Maintenance periodically enforces RetentionPolicy against the
// time-series store and, if configured, the memory tiers.
type Maintenance struct {
	policy     RetentionPolicy
	timeseries *TimeSeries
	memory     MemorySweeper
	logger     *slog.Logger
	clock      func() time.Time

	cron *cron.Cron
}

// MaintenanceOption configures a Maintenance scheduler.
type MaintenanceOption func(*Maintenance)

// WithMemorySweeper registers the memory tiers for retention sweeps.
func WithMemorySweeper(m MemorySweeper) MaintenanceOption {
	return func(s *Maintenance) { s.memory = m }
}

// WithLogger overrides the default discard logger.
func WithLogger(logger *slog.Logger) MaintenanceOption {
	return func(s *Maintenance) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) MaintenanceOption {
	return func(s *Maintenance) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMaintenance builds a scheduler that sweeps ts on the given policy.
func NewMaintenance(ts *TimeSeries, policy RetentionPolicy, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		policy:     policy,
		timeseries: ts,
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the retention sweep on the given cron schedule (e.g.
// "@every 1h"). It blocks until the cron scheduler's internal goroutine
// is running; callers stop it via Stop.
func (m *Maintenance) Start(spec string) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(spec, func() {
		m.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the background schedule, waiting for any in-flight sweep.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one retention pass immediately, independent of the cron
// schedule. Safe to call directly from tests or an admin endpoint.
func (m *Maintenance) Sweep(ctx context.Context) {
	now := m.clock()

	if m.policy.TimeseriesRetentionHours > 0 && m.timeseries != nil {
		cutoff := now.Add(-time.Duration(m.policy.TimeseriesRetentionHours) * time.Hour).UnixMilli()
		removed, err := m.timeseries.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Error("timeseries retention sweep failed", "error", err)
		} else if removed > 0 {
			m.logger.Info("timeseries retention sweep", "removed", removed)
		}
	}

	if m.policy.MemoryRetentionHours > 0 && m.memory != nil {
		cutoff := now.Add(-time.Duration(m.policy.MemoryRetentionHours) * time.Hour)
		removed, err := m.memory.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Error("memory retention sweep failed", "error", err)
		} else if removed > 0 {
			m.logger.Info("memory retention sweep", "removed", removed)
		}
	}
}
