package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/storage"
)

// ValueSink receives a live metric value immediately after it is
// persisted, for the rule engine's value provider to cache. Satisfied
// by *rules.Provider's UpdateDeviceValue by signature — the device
// plane never imports the automation plane.
type ValueSink interface {
	UpdateDeviceValue(deviceID, metric string, value float64)
}

// Service is the orchestration layer on top of Registry: it holds the
// adapter registry, drains each adapter's event stream, routes
// TelemetryReceived through the extractor, persists points to the
// time-series store, and publishes a DeviceMetric event per point.
type Service struct {
	registry   *Registry
	timeseries *storage.TimeSeries
	bus        *eventbus.PriorityBus
	valueSink  ValueSink

	mu       sync.RWMutex
	adapters map[string]Adapter

	autoExtract bool
}

// NewService wires a Service to its registry, time-series store, and
// event bus. autoExtract selects AutoExtract mode for devices whose
// type has no registered template.
func NewService(registry *Registry, timeseries *storage.TimeSeries, bus *eventbus.PriorityBus, autoExtract bool) *Service {
	return &Service{
		registry:    registry,
		timeseries:  timeseries,
		bus:         bus,
		adapters:    make(map[string]Adapter),
		autoExtract: autoExtract,
	}
}

// SetValueSink wires the rule engine's value provider so every
// extracted point also lands in its TTL cache, not just the
// time-series store.
func (s *Service) SetValueSink(sink ValueSink) {
	s.valueSink = sink
}

// RegisterAdapter adds an adapter under adapterID and starts draining
// its event stream in the background.
func (s *Service) RegisterAdapter(adapterID string, adapter Adapter) {
	s.mu.Lock()
	s.adapters[adapterID] = adapter
	s.mu.Unlock()

	go s.drain(adapterID, adapter)
}

func (s *Service) drain(adapterID string, adapter Adapter) {
	for event := range adapter.Subscribe() {
		s.handleAdapterEvent(context.Background(), adapterID, event)
	}
}

func (s *Service) handleAdapterEvent(ctx context.Context, adapterID string, event Event) {
	meta := eventbus.Metadata{Source: event.DeviceID, OccurredAt: time.Now()}
	switch event.Kind {
	case EventDeviceOnline:
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOnline, Metadata: meta, Payload: event})
	case EventDeviceOffline:
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOffline, Metadata: meta, Payload: event})
	case EventCommandResult:
		s.bus.PublishWithPriority(eventbus.Event{Kind: eventbus.KindCommandResult, Metadata: meta, Payload: event},
			eventbus.ClassifyResult(event.Success))
	case EventTelemetry:
		s.handleTelemetry(ctx, event)
	}
}

func (s *Service) handleTelemetry(ctx context.Context, event Event) {
	cfg, hasConfig := s.registry.Device(event.DeviceID)

	var metrics []MetricDefinition
	mode := ModeRawOnly
	if hasConfig {
		if tmpl, ok := s.registry.Template(cfg.DeviceType); ok {
			metrics = tmpl.Metrics
			mode = ModeTemplateDriven
		}
	} else if s.autoExtract {
		mode = ModeAutoExtract
	}

	points, err := ExtractPayload(mode, event.Payload, metrics, time.Now())
	if err != nil {
		return
	}

	for _, p := range points {
		f, ok := p.Value.AsFloat64()
		if !ok {
			continue
		}
		if err := s.timeseries.Write(ctx, event.DeviceID, p.Name, storage.Point{Timestamp: p.Timestamp, Value: f}); err != nil {
			continue
		}
		if s.valueSink != nil {
			s.valueSink.UpdateDeviceValue(event.DeviceID, p.Name, f)
		}
		s.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindDeviceMetric,
			Metadata: eventbus.Metadata{Source: event.DeviceID, OccurredAt: time.Now()},
			Payload:  p,
		})
	}
}

// SendCommand resolves deviceID's template, validates params against
// the matching CommandDefinition, substitutes the payload template, and
// dispatches through the device's adapter. Validation failures return
// before any adapter I/O happens.
func (s *Service) SendCommand(ctx context.Context, deviceID, commandName string, params map[string]any) error {
	cfg, ok := s.registry.Device(deviceID)
	if !ok {
		return fmt.Errorf("devices: unknown device %s", deviceID)
	}

	tmpl, ok := s.registry.Template(cfg.DeviceType)
	if !ok {
		return fmt.Errorf("devices: no template for device type %s", cfg.DeviceType)
	}

	cmdDef, ok := tmpl.command(commandName)
	if !ok {
		return ErrUnknownCommand(commandName)
	}

	if err := ValidateParams(cmdDef, params); err != nil {
		return err
	}

	s.mu.RLock()
	adapter, ok := s.adapters[cfg.AdapterID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("devices: adapter %s not registered", cfg.AdapterID)
	}

	payload := BuildPayload(cmdDef, params)
	return adapter.SendCommand(ctx, Command{DeviceID: deviceID, Name: commandName, Payload: payload})
}

// Adapter returns the adapter registered under adapterID, if any.
func (s *Service) Adapter(adapterID string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[adapterID]
	return a, ok
}
