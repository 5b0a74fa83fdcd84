package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edgecore-io/edgecore/internal/tools/homeassistant"
)

// HASSConfig configures the Home Assistant adapter: the REST client
// plus a poll interval, since Home Assistant's REST API has no push
// subscription.
type HASSConfig struct {
	Client       homeassistant.Config
	PollInterval time.Duration
}

// hassEntityState is the subset of HASS's state payload shape this
// adapter cares about.
type hassEntityState struct {
	EntityID   string          `json:"entity_id"`
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes"`
}

// HASSAdapter polls Home Assistant's /api/states on an interval and
// diffs against the last-seen state per entity to emit Events. Commands
// are dispatched via CallService.
type HASSAdapter struct {
	name   string
	client *homeassistant.Client
	config HASSConfig

	mu       sync.RWMutex
	running  bool
	status   ConnectionStatus
	tracked  map[string]struct{} // entity ids this adapter polls
	lastSeen map[string]string   // entity id -> last observed state string

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHASSAdapter builds an adapter from an already-validated client
// config.
func NewHASSAdapter(name string, config HASSConfig) (*HASSAdapter, error) {
	client, err := homeassistant.NewClient(config.Client)
	if err != nil {
		return nil, err
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}
	return &HASSAdapter{
		name:     name,
		client:   client,
		config:   config,
		status:   StatusDisconnected,
		tracked:  make(map[string]struct{}),
		lastSeen: make(map[string]string),
		events:   make(chan Event, 256),
	}, nil
}

func (a *HASSAdapter) Name() string       { return a.name }
func (a *HASSAdapter) AdapterType() string { return "hass" }

func (a *HASSAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *HASSAdapter) ConnectionStatus() ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *HASSAdapter) Start(ctx context.Context) error {
	// A first poll before marking connected surfaces an unreachable
	// instance immediately instead of on the first tick.
	if _, err := a.client.ListStates(ctx); err != nil {
		a.mu.Lock()
		a.status = StatusError
		a.mu.Unlock()
		return fmt.Errorf("devices: hass initial poll: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.running = true
	a.status = StatusConnected
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.pollLoop(runCtx)
	return nil
}

func (a *HASSAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	done := a.done
	a.running = false
	a.status = StatusDisconnected
	a.mu.Unlock()

	cancel()
	<-done
	close(a.events)
	return nil
}

func (a *HASSAdapter) pollLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *HASSAdapter) pollOnce(ctx context.Context) {
	raw, err := a.client.ListStates(ctx)
	if err != nil {
		return
	}

	var states []hassEntityState
	if err := json.Unmarshal(raw, &states); err != nil {
		return
	}

	a.mu.Lock()
	tracked := make(map[string]struct{}, len(a.tracked))
	for id := range a.tracked {
		tracked[id] = struct{}{}
	}
	a.mu.Unlock()

	for _, s := range states {
		if _, ok := tracked[s.EntityID]; !ok {
			continue
		}

		a.mu.Lock()
		prev, seen := a.lastSeen[s.EntityID]
		a.lastSeen[s.EntityID] = s.State
		a.mu.Unlock()

		if !seen {
			a.emit(Event{Kind: EventDeviceOnline, DeviceID: s.EntityID, OccurredAt: time.Now()})
		}
		if seen && prev == s.State {
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"state":      s.State,
			"attributes": s.Attributes,
		})
		if err != nil {
			continue
		}
		a.emit(Event{
			Kind:       EventTelemetry,
			DeviceID:   s.EntityID,
			Payload:    payload,
			OccurredAt: time.Now(),
		})
	}
}

func (a *HASSAdapter) emit(e Event) {
	select {
	case a.events <- e:
	default:
	}
}

func (a *HASSAdapter) Subscribe() <-chan Event { return a.events }

// SendCommand calls a HASS service. cmd.Name is "domain.service"
// (e.g. "light.turn_on"); cmd.Payload becomes the service_data, with
// entity_id added automatically.
func (a *HASSAdapter) SendCommand(ctx context.Context, cmd Command) error {
	domain, service, ok := splitDomainService(cmd.Name)
	if !ok {
		return fmt.Errorf("devices: hass command name must be domain.service, got %q", cmd.Name)
	}

	data := make(map[string]any, len(cmd.Payload)+1)
	for k, v := range cmd.Payload {
		data[k] = v
	}
	data["entity_id"] = cmd.DeviceID

	_, err := a.client.CallService(ctx, domain, service, data)
	return err
}

func splitDomainService(name string) (string, string, bool) {
	for i, c := range name {
		if c == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

func (a *HASSAdapter) SubscribeDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	a.tracked[deviceID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *HASSAdapter) UnsubscribeDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	delete(a.tracked, deviceID)
	delete(a.lastSeen, deviceID)
	a.mu.Unlock()
	return nil
}

func (a *HASSAdapter) DeviceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tracked)
}

func (a *HASSAdapter) ListDevices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.tracked))
	for id := range a.tracked {
		out = append(out, id)
	}
	return out
}
