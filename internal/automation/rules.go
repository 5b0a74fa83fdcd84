package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/observability"
)

// Operator is a rule condition's comparison against its threshold.
type Operator string

const (
	OpGreaterThan      Operator = "gt"
	OpGreaterOrEqual   Operator = "gte"
	OpLessThan         Operator = "lt"
	OpLessOrEqual      Operator = "lte"
	OpEqual            Operator = "eq"
	OpNotEqual         Operator = "neq"
)

// Evaluate applies the operator to (current, threshold).
func (op Operator) Evaluate(current, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return current > threshold
	case OpGreaterOrEqual:
		return current >= threshold
	case OpLessThan:
		return current < threshold
	case OpLessOrEqual:
		return current <= threshold
	case OpEqual:
		return current == threshold
	case OpNotEqual:
		return current != threshold
	default:
		return false
	}
}

// Condition names a single value-provider lookup and the threshold test
// applied to it.
type Condition struct {
	SourceID  string
	Metric    string
	Operator  Operator
	Threshold float64
}

// Action is one effect a rule firing runs, in declared order.
type Action struct {
	DeviceID    string
	CommandName string
	Parameters  map[string]any
}

// Rule is a condition plus the actions it runs when the condition
// transitions from false (or unevaluated) to true.
type Rule struct {
	ID        string
	Name      string
	Enabled   bool
	Condition Condition
	Actions   []Action
	// Debounce suppresses re-firing within this window of the previous
	// firing, even across separate true->false->true transitions.
	Debounce time.Duration
}

// ActionDispatcher sends a rule's action to its device. Satisfied by a
// thin adapter over *commands.Manager's Submit by signature — the
// automation plane depends on the interface so tests can stand in a
// fake without a real command manager.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, deviceID, commandName string, params map[string]any, ruleID string) error
}

// idempotencyTTL bounds how long a processed (rule, occurrence) pair is
// remembered before its dedup entry is swept.
const idempotencyTTL = 5 * time.Minute

type firingState struct {
	lastResult    bool
	lastFiredAt   time.Time
	hasLastResult bool
}

// Engine re-evaluates rules whose condition references a metric
// whenever that metric updates, firing actions on a false->true
// transition. Firing is idempotent per (rule ID, occurrence) and
// duplicate transitions within a rule's debounce window are suppressed.
type Engine struct {
	mu     sync.Mutex
	rules  map[string]*Rule
	state  map[string]*firingState
	seen   map[string]time.Time // "ruleID:occurrence" -> processed at

	resolver   ValueResolver
	dispatcher ActionDispatcher
	bus        *eventbus.Bus
	logger     *observability.Logger
	now        func() time.Time
}

// NewEngine wires an Engine to the value provider it reads conditions
// from, the dispatcher it sends fired actions through, and the bus it
// announces evaluations and firings on.
func NewEngine(resolver ValueResolver, dispatcher ActionDispatcher, bus *eventbus.Bus, logger *observability.Logger) *Engine {
	return &Engine{
		rules:      make(map[string]*Rule),
		state:      make(map[string]*firingState),
		seen:       make(map[string]time.Time),
		resolver:   resolver,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// AddRule registers or replaces a rule.
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = r
}

// RemoveRule drops a rule and its evaluation history.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
	delete(e.state, id)
}

// Rule returns the rule registered under id.
func (e *Engine) Rule(id string) (*Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns every registered rule.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// OnMetricUpdate re-evaluates every enabled rule whose condition
// references (sourceID, metric). occurrence identifies the specific
// update that triggered this evaluation (e.g. a reading's timestamp) so
// a rescheduled or redelivered update doesn't double-fire.
func (e *Engine) OnMetricUpdate(ctx context.Context, sourceID, metric, occurrence string) {
	e.mu.Lock()
	matching := make([]*Rule, 0)
	for _, r := range e.rules {
		if r.Enabled && r.Condition.SourceID == sourceID && r.Condition.Metric == metric {
			matching = append(matching, r)
		}
	}
	e.mu.Unlock()

	for _, r := range matching {
		e.evaluateRule(ctx, r, occurrence)
	}
}

func (e *Engine) evaluateRule(ctx context.Context, r *Rule, occurrence string) {
	value, ok := e.resolver.Value(r.Condition.SourceID, r.Condition.Metric)
	if !ok {
		return
	}
	result := r.Condition.Operator.Evaluate(value, r.Condition.Threshold)

	e.mu.Lock()
	st, ok := e.state[r.ID]
	if !ok {
		st = &firingState{}
		e.state[r.ID] = st
	}
	transitioned := result && (!st.hasLastResult || !st.lastResult)
	st.lastResult = result
	st.hasLastResult = true
	e.mu.Unlock()

	e.publish(ctx, eventbus.KindRuleEvaluated, RuleEvaluated{RuleID: r.ID, Value: value, Result: result})

	if !transitioned {
		return
	}

	if e.alreadyProcessed(r.ID, occurrence) {
		return
	}

	e.mu.Lock()
	if r.Debounce > 0 && !st.lastFiredAt.IsZero() && e.now().Sub(st.lastFiredAt) < r.Debounce {
		e.mu.Unlock()
		return
	}
	st.lastFiredAt = e.now()
	e.mu.Unlock()

	e.fire(ctx, r)
}

func (e *Engine) alreadyProcessed(ruleID, occurrence string) bool {
	if occurrence == "" {
		return false
	}
	key := ruleID + ":" + occurrence
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if seenAt, ok := e.seen[key]; ok && now.Sub(seenAt) < idempotencyTTL {
		return true
	}
	e.seen[key] = now
	return false
}

func (e *Engine) fire(ctx context.Context, r *Rule) {
	e.publish(ctx, eventbus.KindRuleTriggered, RuleFired{RuleID: r.ID})

	for _, action := range r.Actions {
		if err := e.dispatcher.Dispatch(ctx, action.DeviceID, action.CommandName, action.Parameters, r.ID); err != nil {
			if e.logger != nil {
				e.logger.Error(ctx, "rule action dispatch failed", "rule_id", r.ID, "device_id", action.DeviceID, "command", action.CommandName, "error", err)
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, kind eventbus.Kind, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.Event{Kind: kind, Payload: payload})
}

// CleanupIdempotency sweeps dedup entries older than idempotencyTTL.
// Driven by the maintenance scheduler's periodic pass.
func (e *Engine) CleanupIdempotency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	removed := 0
	for k, seenAt := range e.seen {
		if now.Sub(seenAt) >= idempotencyTTL {
			delete(e.seen, k)
			removed++
		}
	}
	return removed
}

// RuleEvaluated is published on eventbus.KindRuleEvaluated after every
// condition re-check, firing or not.
type RuleEvaluated struct {
	RuleID string
	Value  float64
	Result bool
}

// RuleFired is published on eventbus.KindRuleTriggered when a rule's
// condition transitions to true and its actions are about to run.
type RuleFired struct {
	RuleID string
}

// Occurrence builds a stable idempotency token for a metric update,
// suitable for OnMetricUpdate's occurrence argument.
func Occurrence(timestamp time.Time) string {
	return fmt.Sprintf("%d", timestamp.UnixNano())
}
