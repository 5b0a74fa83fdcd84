package eventbus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority ranks events for delivery ordering under load. Higher values
// are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ClassifyKind maps an event kind to its default priority. Device
// failures and alerts are Critical; state transitions and triggers are
// High; routine telemetry and successful results are Normal; advisory
// LLM output is Low.
func ClassifyKind(kind Kind) Priority {
	switch kind {
	case KindDeviceOffline, KindAlertCreated:
		return PriorityCritical
	case KindDeviceOnline, KindRuleTriggered, KindWorkflowTriggered:
		return PriorityHigh
	case KindDeviceMetric, KindRuleEvaluated, KindWorkflowStepDone, KindWorkflowCompleted, KindCommandResult:
		return PriorityNormal
	case KindLLMDecisionProposed, KindLLMDecisionExecuted, KindUserMessage:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ClassifyResult refines CommandResult priority: a failed command result
// is High (needs attention), a successful one is Normal.
func ClassifyResult(success bool) Priority {
	if !success {
		return PriorityHigh
	}
	return PriorityNormal
}

// defaultMaxQueueSize bounds the pending heap before low-priority events
// start getting dropped.
const defaultMaxQueueSize = 10_000

type queuedEvent struct {
	event    Event
	priority Priority
	sequence uint64
}

// priorityHeap is a max-heap ordered by (priority desc, sequence asc) so
// events of equal priority drain FIFO.
type priorityHeap []*queuedEvent

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*queuedEvent)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityBus wraps a Bus with a bounded priority queue. Publishers call
// PublishWithPriority (or Publish, which classifies by Kind); a
// background drainer periodically pops the highest-priority pending
// events and forwards them to the wrapped Bus.
type PriorityBus struct {
	bus          *Bus
	maxQueueSize int

	mu       sync.Mutex
	heap     priorityHeap
	sequence uint64

	stop chan struct{}
	done chan struct{}
}

// NewPriorityBus wraps bus with a queue bounded at maxQueueSize events
// (defaultMaxQueueSize if <= 0).
func NewPriorityBus(bus *Bus, maxQueueSize int) *PriorityBus {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	return &PriorityBus{
		bus:          bus,
		maxQueueSize: maxQueueSize,
	}
}

// Publish enqueues event at the priority ClassifyKind assigns its Kind.
func (p *PriorityBus) Publish(event Event) bool {
	return p.PublishWithPriority(event, ClassifyKind(event.Kind))
}

// PublishWithPriority enqueues event at an explicit priority, for
// callers (like command-result handling) that need to override the
// kind-based default.
//
// Returns false if the event was dropped: the queue was full and event
// was below High priority, or every queued event was already at or
// above its priority.
func (p *PriorityBus) PublishWithPriority(event Event, priority Priority) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.sequence
	p.sequence++

	qe := &queuedEvent{event: event, priority: priority, sequence: seq}

	if len(p.heap) >= p.maxQueueSize {
		if priority < PriorityHigh {
			return false
		}
		// Make room by evicting queued events strictly below this one's
		// priority, lowest first. If the lowest remaining entry isn't
		// below priority, there's nothing safe to evict; drop instead.
		for len(p.heap) >= p.maxQueueSize {
			lowest := p.lowestPriorityIndex()
			if lowest < 0 || p.heap[lowest].priority >= priority {
				return false
			}
			heap.Remove(&p.heap, lowest)
		}
	}

	heap.Push(&p.heap, qe)
	return true
}

func (p *PriorityBus) lowestPriorityIndex() int {
	if len(p.heap) == 0 {
		return -1
	}
	idx := 0
	for i := 1; i < len(p.heap); i++ {
		if p.heap[i].priority < p.heap[idx].priority {
			idx = i
		}
	}
	return idx
}

// PendingCount returns the number of events currently queued.
func (p *PriorityBus) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// Drain pops up to limit pending events, highest priority (then FIFO)
// first, and publishes each to the wrapped Bus. Returns the count
// drained.
func (p *PriorityBus) Drain(ctx context.Context, limit int) int {
	drained := 0
	for drained < limit {
		p.mu.Lock()
		if len(p.heap) == 0 {
			p.mu.Unlock()
			break
		}
		qe := heap.Pop(&p.heap).(*queuedEvent)
		p.mu.Unlock()

		p.bus.Publish(ctx, qe.event)
		drained++
	}
	return drained
}

// StartDrainer launches a background goroutine that calls Drain every
// interval with the given batch size, until Stop is called.
func (p *PriorityBus) StartDrainer(interval time.Duration, batchSize int) {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.Drain(context.Background(), batchSize)
			}
		}
	}()
}

// StopDrainer halts the background drainer started by StartDrainer and
// waits for it to exit.
func (p *PriorityBus) StopDrainer() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
}

// Inner returns the wrapped Bus, for callers that want to subscribe
// directly to delivered events.
func (p *PriorityBus) Inner() *Bus {
	return p.bus
}
