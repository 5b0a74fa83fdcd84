package devices

import (
	"context"
	"encoding/json"
)

// Command is a request to make a device do something.
type Command struct {
	DeviceID    string
	Name        string
	Payload     map[string]any
	RoutingHint string
}

// Adapter is the contract every transport-specific driver satisfies.
// Adapters are the only components that touch transports; they turn
// wire traffic into Events and accept outbound Commands, nothing more.
type Adapter interface {
	// Name is a human-readable identifier for logs and the registry.
	Name() string

	// AdapterType identifies the transport family (mqtt, modbus, hass,
	// webhook, or an extension-provided type).
	AdapterType() string

	// IsRunning reports whether Start has been called and Stop has not.
	IsRunning() bool

	// ConnectionStatus reports the adapter's own transport health,
	// independent of any individual device's status.
	ConnectionStatus() ConnectionStatus

	// Start begins connecting to the transport and delivering Events to
	// Subscribe's channel.
	Start(ctx context.Context) error

	// Stop disconnects and releases transport resources.
	Stop(ctx context.Context) error

	// Subscribe returns a channel of Events. The channel is closed when
	// Stop completes.
	Subscribe() <-chan Event

	// SendCommand dispatches cmd to the device it targets.
	SendCommand(ctx context.Context, cmd Command) error

	// SubscribeDevice / UnsubscribeDevice scope delivery to a single
	// device id, for adapters that support per-device subscriptions
	// (MQTT topic subscribe/unsubscribe, HASS entity polling).
	SubscribeDevice(ctx context.Context, deviceID string) error
	UnsubscribeDevice(ctx context.Context, deviceID string) error

	// DeviceCount and ListDevices report the devices this adapter
	// currently tracks.
	DeviceCount() int
	ListDevices() []string
}

// jsonMarshalCommand encodes a Command's name and params as the wire
// payload adapters publish to a device's command topic/endpoint.
func jsonMarshalCommand(cmd Command) ([]byte, error) {
	return json.Marshal(struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params,omitempty"`
	}{Command: cmd.Name, Params: cmd.Payload})
}

// jsonMarshalMap encodes an arbitrary value map as a telemetry payload.
func jsonMarshalMap(values map[string]any) ([]byte, error) {
	return json.Marshal(values)
}
