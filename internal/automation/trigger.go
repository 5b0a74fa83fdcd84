package automation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/observability"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TriggerManager starts a workflow's execution whenever one of its
// triggers fires: a cron schedule, a matching bus event, or a manual
// call. Schedule triggers are parsed with the same cron expression
// grammar the maintenance scheduler uses.
type TriggerManager struct {
	engine *WorkflowEngine
	bus    *eventbus.Bus
	logger *observability.Logger
	now    func() time.Time

	mu       sync.Mutex
	schedule map[string][]scheduledTrigger // workflow id -> its schedule triggers
	stop     chan struct{}
	started  bool
}

type scheduledTrigger struct {
	schedule cron.Schedule
	next     time.Time
}

// NewTriggerManager wires a TriggerManager to the engine it starts
// executions on and the bus it watches for event triggers.
func NewTriggerManager(engine *WorkflowEngine, bus *eventbus.Bus, logger *observability.Logger) *TriggerManager {
	tm := &TriggerManager{
		engine:   engine,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		schedule: make(map[string][]scheduledTrigger),
		stop:     make(chan struct{}),
	}
	if bus != nil {
		bus.Subscribe(tm.onEvent)
	}
	return tm
}

// Register parses w's triggers and starts tracking its schedule
// triggers. Invalid cron expressions are skipped with a log line rather
// than rejecting the whole workflow.
func (tm *TriggerManager) Register(w *Workflow) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var scheduled []scheduledTrigger
	now := tm.now()
	for _, trig := range w.Triggers {
		if trig.Type != TriggerSchedule {
			continue
		}
		sched, err := cronParser.Parse(trig.CronExpr)
		if err != nil {
			if tm.logger != nil {
				tm.logger.Warn(context.Background(), "workflow trigger skipped", "workflow_id", w.ID, "cron", trig.CronExpr, "error", err)
			}
			continue
		}
		scheduled = append(scheduled, scheduledTrigger{schedule: sched, next: sched.Next(now)})
	}
	if len(scheduled) > 0 {
		tm.schedule[w.ID] = scheduled
	} else {
		delete(tm.schedule, w.ID)
	}
}

// Unregister stops tracking workflowID's schedule triggers.
func (tm *TriggerManager) Unregister(workflowID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.schedule, workflowID)
}

// Run polls due schedule triggers every tick until ctx is cancelled.
func (tm *TriggerManager) Run(ctx context.Context, tick time.Duration) {
	tm.mu.Lock()
	tm.started = true
	tm.mu.Unlock()

	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.stop:
			return
		case <-ticker.C:
			tm.fireDue(ctx)
		}
	}
}

// Stop halts the polling loop started by Run.
func (tm *TriggerManager) Stop() {
	tm.mu.Lock()
	if !tm.started {
		tm.mu.Unlock()
		return
	}
	tm.started = false
	tm.mu.Unlock()
	close(tm.stop)
}

func (tm *TriggerManager) fireDue(ctx context.Context) {
	now := tm.now()

	tm.mu.Lock()
	due := make([]string, 0)
	for workflowID, triggers := range tm.schedule {
		for i, t := range triggers {
			if !now.Before(t.next) {
				due = append(due, workflowID)
				triggers[i].next = t.schedule.Next(now)
			}
		}
		tm.schedule[workflowID] = triggers
	}
	tm.mu.Unlock()

	for _, workflowID := range due {
		tm.execute(ctx, workflowID)
	}
}

func (tm *TriggerManager) onEvent(ctx context.Context, event eventbus.Event) {
	workflows, err := tm.engine.Workflows(ctx)
	if err != nil {
		return
	}
	for _, w := range workflows {
		if !w.Enabled {
			continue
		}
		for _, trig := range w.Triggers {
			if trig.Type == TriggerEvent && trig.EventKind == string(event.Kind) {
				tm.execute(ctx, w.ID)
				break
			}
		}
	}
}

func (tm *TriggerManager) execute(ctx context.Context, workflowID string) {
	if _, err := tm.engine.Execute(ctx, workflowID); err != nil && tm.logger != nil {
		tm.logger.Warn(ctx, "triggered workflow execution failed", "workflow_id", workflowID, "error", err)
	}
}
