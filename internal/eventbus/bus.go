// Package eventbus is the fan-out publish/subscribe substrate every
// other plane (devices, automation, agent, extensions) uses to observe
// the system without coupling to each other directly. A bounded
// priority queue sits in front of delivery so a burst of low-value
// telemetry can never starve a device-offline alert.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Kind identifies the category of an Event for priority classification
// and subscriber filtering.
type Kind string

const (
	KindDeviceOnline        Kind = "device.online"
	KindDeviceOffline       Kind = "device.offline"
	KindDeviceMetric        Kind = "device.metric"
	KindAlertCreated        Kind = "alert.created"
	KindRuleTriggered       Kind = "rule.triggered"
	KindRuleEvaluated       Kind = "rule.evaluated"
	KindWorkflowTriggered   Kind = "workflow.triggered"
	KindWorkflowStepDone    Kind = "workflow.step_completed"
	KindWorkflowCompleted   Kind = "workflow.completed"
	KindCommandResult       Kind = "command.result"
	KindLLMDecisionProposed Kind = "llm.decision_proposed"
	KindLLMDecisionExecuted Kind = "llm.decision_executed"
	KindUserMessage         Kind = "user.message"
)

// Metadata carries provenance common to every event.
type Metadata struct {
	Source     string
	OccurredAt time.Time
}

// Event is a single published occurrence. Payload is kind-specific;
// subscribers type-assert it based on Kind.
type Event struct {
	Kind     Kind
	Metadata Metadata
	Payload  any
}

// Handler receives delivered events. Handlers run synchronously from
// the drainer goroutine and must not block for long.
type Handler func(ctx context.Context, event Event)

// Bus is the underlying fan-out primitive: every subscriber receives
// every published event, regardless of Kind.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler to receive every future publish. There is
// no per-kind filtering at this layer; handlers that care about a
// subset of kinds switch on Event.Kind themselves.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish delivers event to every current subscriber, synchronously and
// in registration order.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}
