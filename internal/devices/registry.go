package devices

import (
	"fmt"
	"sync"
)

// Config is a registered device instance: its identity, the template it
// conforms to, and the adapter-specific connection parameters (topic,
// host/port, entity id, …) that adapter uses to reach it.
type Config struct {
	DeviceID         string
	Name             string
	DeviceType       Type
	AdapterType      string
	AdapterID        string
	ConnectionConfig map[string]any
}

// Registry owns the two maps every other device-plane component reads
// from: device_type -> Template and device_id -> Config.
type Registry struct {
	mu        sync.RWMutex
	templates map[Type]Template
	configs   map[string]Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[Type]Template),
		configs:   make(map[string]Config),
	}
}

// RegisterTemplate adds or replaces the template for a device type.
func (r *Registry) RegisterTemplate(tmpl Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.DeviceType] = tmpl
}

// Template resolves a device type to its registered template.
func (r *Registry) Template(deviceType Type) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[deviceType]
	return t, ok
}

// RegisterDevice adds a device, failing if its device type has no
// registered template.
func (r *Registry) RegisterDevice(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[cfg.DeviceType]; !ok {
		return fmt.Errorf("devices: device type %q has no registered template", cfg.DeviceType)
	}
	r.configs[cfg.DeviceID] = cfg
	return nil
}

// UnregisterDevice removes a device. It is not an error to unregister a
// device id that was never registered.
func (r *Registry) UnregisterDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, deviceID)
}

// UpdateDevice replaces a device's config in place, subject to the same
// template-existence check as RegisterDevice.
func (r *Registry) UpdateDevice(cfg Config) error {
	return r.RegisterDevice(cfg)
}

// Device resolves a device id to its Config.
func (r *Registry) Device(deviceID string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[deviceID]
	return c, ok
}

// ListDevices returns every registered device, optionally filtered by
// device type and/or adapter id (empty string means "any").
func (r *Registry) ListDevices(deviceType Type, adapterID string) []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		if deviceType != "" && c.DeviceType != deviceType {
			continue
		}
		if adapterID != "" && c.AdapterID != adapterID {
			continue
		}
		out = append(out, c)
	}
	return out
}
