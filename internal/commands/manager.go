package commands

import (
	"context"
	"sync"
	"time"

	"github.com/edgecore-io/edgecore/internal/backoff"
	"github.com/edgecore-io/edgecore/internal/devices"
	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/observability"
)

// commandResultDeviceID extracts the device id a CommandResult event
// correlates to, for matching against an in-flight dispatch.
func commandResultDeviceID(event eventbus.Event) (string, bool) {
	de, ok := event.Payload.(devices.Event)
	if !ok || de.Kind != devices.EventCommandResult {
		return "", false
	}
	return de.DeviceID, true
}

// commandResultFields extracts the success/message pair a CommandResult
// event carries.
func commandResultFields(event eventbus.Event) (bool, string) {
	de, ok := event.Payload.(devices.Event)
	if !ok {
		return false, "malformed command result event"
	}
	return de.Success, de.Message
}

// Dispatcher sends a validated command to its device. *devices.Service
// satisfies this by signature alone; the manager depends on the
// interface so a test double can stand in without a real adapter.
type Dispatcher interface {
	SendCommand(ctx context.Context, deviceID, commandName string, params map[string]any) error
}

// Manager runs the priority dispatch loop described in the command
// manager's design: a queue feeds a single dispatcher goroutine that
// serializes commands per device, waits for the matching CommandResult
// event (or a timeout), and retries/cleans up according to policy.
type Manager struct {
	store      *StateStore
	dispatcher Dispatcher
	bus        *eventbus.Bus
	logger     *observability.Logger
	policy     backoff.BackoffPolicy

	mu       sync.Mutex
	q        *queue
	notEmpty chan struct{}

	inflight   sync.Map // deviceID -> chan eventbus.Event (result correlation)
	deviceLock sync.Map // deviceID -> *sync.Mutex (per-device serialization)

	stop chan struct{}
}

// NewManager wires a Manager to its state store, its Dispatcher (the
// device service), and the Bus it listens to for CommandResult events.
// bus should be the PriorityBus's Inner() bus, so the manager sees
// every delivered event.
func NewManager(store *StateStore, dispatcher Dispatcher, bus *eventbus.Bus, logger *observability.Logger) *Manager {
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		policy:     backoff.DefaultPolicy(),
		q:          newQueue(),
		notEmpty:   make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	bus.Subscribe(m.onBusEvent)
	return m
}

func (m *Manager) deviceMutex(deviceID string) *sync.Mutex {
	v, _ := m.deviceLock.LoadOrStore(deviceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Submit stores req as Pending, immediately transitions it to Queued,
// and enqueues it for dispatch.
func (m *Manager) Submit(ctx context.Context, req *Request) error {
	if err := m.store.Store(ctx, req); err != nil {
		return err
	}
	return m.enqueue(ctx, req)
}

func (m *Manager) enqueue(ctx context.Context, req *Request) error {
	if err := m.store.UpdateStatus(ctx, req.ID, StatusQueued); err != nil {
		return err
	}
	req.Status = StatusQueued

	m.mu.Lock()
	m.q.push(req)
	m.mu.Unlock()

	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// Cancel transitions id to Cancelled if it has not yet been dispatched.
// It is an edgeerr.InvalidState error to cancel a command already
// Sending or past.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.Cancellable() {
		return edgeerr.Newf(edgeerr.InvalidState, "command %s cannot be cancelled from status %s", id, req.Status)
	}
	return m.store.UpdateStatus(ctx, id, StatusCancelled)
}

// Retry re-queues a Failed/Timeout command that is still under its
// attempt ceiling.
func (m *Manager) Retry(ctx context.Context, id string) error {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !req.Retryable() {
		return edgeerr.Newf(edgeerr.InvalidState, "command %s is not retryable from status %s (attempt %d/%d)", id, req.Status, req.Attempts, req.MaxAttempts)
	}
	return m.enqueue(ctx, req)
}

// Cleanup removes terminal commands older than olderThanSecs (plus the
// fixed grace buffer), returning the count removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	return m.store.CleanupOldCompleted(ctx, defaultTimeoutSecs*2)
}

// Run starts the dispatch loop; it blocks until ctx is cancelled or
// Stop is called.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.notEmpty:
			m.drainOnce(ctx)
		case <-time.After(500 * time.Millisecond):
			// Periodic wake-up catches requeued-after-backoff commands
			// even if nothing pinged notEmpty in the meantime.
			m.drainOnce(ctx)
		}
	}
}

// Stop halts Run's dispatch loop. Safe to call at most once.
func (m *Manager) Stop() {
	close(m.stop)
}

// drainOnce pops every currently queued command and attempts to
// dispatch each; one still locked by an in-flight command for the same
// device is re-pushed for the next pass.
func (m *Manager) drainOnce(ctx context.Context) {
	for {
		m.mu.Lock()
		req := m.q.pop()
		m.mu.Unlock()
		if req == nil {
			return
		}
		m.tryDispatch(ctx, req)
	}
}

func (m *Manager) tryDispatch(ctx context.Context, req *Request) {
	lock := m.deviceMutex(req.DeviceID)
	if !lock.TryLock() {
		// Another command for this device is in flight; requeue for a
		// later pass rather than block the dispatcher goroutine.
		m.mu.Lock()
		m.q.push(req)
		m.mu.Unlock()
		return
	}
	go m.dispatchLocked(ctx, req, lock)
}

func (m *Manager) dispatchLocked(ctx context.Context, req *Request, lock *sync.Mutex) {
	defer lock.Unlock()

	if err := m.store.UpdateStatus(ctx, req.ID, StatusSending); err != nil {
		m.logError("update status to sending", req.ID, err)
		return
	}

	resultCh := make(chan eventbus.Event, 1)
	m.inflight.Store(req.DeviceID, resultCh)
	defer m.inflight.Delete(req.DeviceID)

	attempt, err := m.store.IncrementAttempt(ctx, req.ID)
	if err != nil {
		m.logError("increment attempt", req.ID, err)
		return
	}

	sendErr := m.dispatcher.SendCommand(ctx, req.DeviceID, req.CommandName, req.Parameters)
	if sendErr != nil {
		m.completeFailure(ctx, req, attempt, sendErr.Error())
		return
	}

	if err := m.store.UpdateStatus(ctx, req.ID, StatusWaitingAck); err != nil {
		m.logError("update status to waiting_ack", req.ID, err)
		return
	}

	deadline := time.Until(req.Deadline())
	if deadline <= 0 {
		deadline = time.Duration(req.TimeoutSecs) * time.Second
	}

	select {
	case event := <-resultCh:
		m.applyResult(ctx, req, event)
	case <-time.After(deadline):
		m.completeTimeout(ctx, req, attempt)
	case <-ctx.Done():
	}
}

func (m *Manager) applyResult(ctx context.Context, req *Request, event eventbus.Event) {
	success, message := commandResultFields(event)
	if err := m.store.SetResult(ctx, req.ID, Result{Success: success, Message: message}); err != nil {
		m.logError("set result", req.ID, err)
		return
	}
	if !success {
		m.maybeScheduleRetry(ctx, req)
	}
}

func (m *Manager) completeFailure(ctx context.Context, req *Request, attempt int, message string) {
	if err := m.store.SetResult(ctx, req.ID, Result{Success: false, Message: message}); err != nil {
		m.logError("set result", req.ID, err)
		return
	}
	req.Attempts = attempt
	m.maybeScheduleRetry(ctx, req)
}

func (m *Manager) completeTimeout(ctx context.Context, req *Request, attempt int) {
	if err := m.store.UpdateStatus(ctx, req.ID, StatusTimeout); err != nil {
		m.logError("update status to timeout", req.ID, err)
		return
	}
	req.Attempts = attempt
	req.Status = StatusTimeout
	m.maybeScheduleRetry(ctx, req)
}

// maybeScheduleRetry re-queues req after a backoff delay if it is still
// under its attempt ceiling; otherwise it stays in its terminal status.
func (m *Manager) maybeScheduleRetry(ctx context.Context, req *Request) {
	latest, err := m.store.Get(ctx, req.ID)
	if err != nil || !latest.Retryable() {
		return
	}
	delay := backoff.ComputeBackoff(m.policy, latest.Attempts)
	time.AfterFunc(delay, func() {
		_ = m.enqueue(context.Background(), latest)
	})
}

func (m *Manager) onBusEvent(ctx context.Context, event eventbus.Event) {
	if event.Kind != eventbus.KindCommandResult {
		return
	}
	deviceID, ok := commandResultDeviceID(event)
	if !ok {
		return
	}
	v, ok := m.inflight.Load(deviceID)
	if !ok {
		return
	}
	ch := v.(chan eventbus.Event)
	select {
	case ch <- event:
	default:
	}
}

func (m *Manager) logError(op, id string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Info(context.Background(), "command dispatch error", "op", op, "command_id", id, "error", err.Error())
}
