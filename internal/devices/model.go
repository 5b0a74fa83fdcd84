// Package devices defines the device abstraction layer: a uniform model
// for devices, their metrics, and the transport-specific adapters that
// turn wire events into that model. Adapters never interpret
// application semantics — that is the device registry/service's job.
package devices

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies what a device does, independent of transport.
type Type string

const (
	TypeSensor     Type = "sensor"
	TypeActuator   Type = "actuator"
	TypeController Type = "controller"
	TypeGateway    Type = "gateway"
	TypeHybrid     Type = "hybrid"
)

// Capability names an operation a device supports.
type Capability string

const (
	CapabilityReadNumeric    Capability = "read_numeric"
	CapabilityReadData       Capability = "read_data"
	CapabilityWriteNumeric   Capability = "write_numeric"
	CapabilityExecuteCommand Capability = "execute_command"
	CapabilityStreamData     Capability = "stream_data"
	CapabilityReadHistory    Capability = "read_history"
)

// NewID generates a fresh device identifier.
func NewID() string {
	return uuid.NewString()
}

// MetricDataType is the declared shape of a metric's values.
type MetricDataType string

const (
	MetricInteger MetricDataType = "integer"
	MetricFloat   MetricDataType = "float"
	MetricBoolean MetricDataType = "boolean"
	MetricString  MetricDataType = "string"
	MetricBinary  MetricDataType = "binary"
	MetricEnum    MetricDataType = "enum"
)

// MetricDefinition describes one metric a device template exposes.
type MetricDefinition struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	DataType      MetricDataType `yaml:"data_type" json:"data_type"`
	Unit          string         `yaml:"unit,omitempty" json:"unit,omitempty"`
	ReadOnly      bool           `yaml:"read_only" json:"read_only"`
	Min           *float64       `yaml:"min,omitempty" json:"min,omitempty"`
	Max           *float64       `yaml:"max,omitempty" json:"max,omitempty"`
	AllowedValues []string       `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
}

// MetricValue is a typed value read from or written to a device. Exactly
// one of the fields is meaningful, selected by Kind.
type MetricValue struct {
	Kind    MetricDataType
	Int     int64
	Float   float64
	Str     string
	Bool    bool
	Binary  []byte
	Array   []MetricValue
	IsNull  bool
}

func IntValue(v int64) MetricValue     { return MetricValue{Kind: MetricInteger, Int: v} }
func FloatValue(v float64) MetricValue { return MetricValue{Kind: MetricFloat, Float: v} }
func StringValue(v string) MetricValue { return MetricValue{Kind: MetricString, Str: v} }
func BoolValue(v bool) MetricValue     { return MetricValue{Kind: MetricBoolean, Bool: v} }
func NullValue() MetricValue           { return MetricValue{IsNull: true} }

// AsFloat64 coerces numeric kinds to float64, per the lossy-numeric-
// coercion rule rule evaluation relies on: booleans map to 0/1, other
// kinds return false.
func (v MetricValue) AsFloat64() (float64, bool) {
	switch {
	case v.IsNull:
		return 0, false
	case v.Kind == MetricFloat:
		return v.Float, true
	case v.Kind == MetricInteger:
		return float64(v.Int), true
	case v.Kind == MetricBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// MarshalJSON encodes MetricValue as a plain JSON scalar/array/null
// rather than exposing the Kind-tagged struct shape.
func (v MetricValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.IsNull:
		return []byte("null"), nil
	case v.Kind == MetricBinary:
		return json.Marshal(v.Binary)
	case v.Kind == MetricArray():
		return json.Marshal(v.Array)
	case v.Kind == MetricInteger:
		return json.Marshal(v.Int)
	case v.Kind == MetricFloat:
		return json.Marshal(v.Float)
	case v.Kind == MetricBoolean:
		return json.Marshal(v.Bool)
	case v.Kind == MetricString:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// MetricArray is a pseudo data type used only to tag MetricValue.Array;
// it has no corresponding MetricDefinition.DataType.
func MetricArray() MetricDataType { return "array" }

// Info describes a registered device instance.
type Info struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       Type              `json:"type"`
	AdapterID  string            `json:"adapter_id"`
	Location   string            `json:"location,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ConnectionStatus is a device's last-known reachability.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// State is the live status of a device, as tracked by its adapter.
type State struct {
	Status   ConnectionStatus
	LastSeen time.Time
	Error    string
}

// EventKind discriminates DeviceEvent payloads.
type EventKind string

const (
	EventDeviceOnline  EventKind = "device_online"
	EventDeviceOffline EventKind = "device_offline"
	EventTelemetry     EventKind = "telemetry_received"
	EventCommandResult EventKind = "command_result"
)

// Event is the uniform shape every adapter emits, regardless of
// transport. Fields not relevant to Kind are left zero.
type Event struct {
	Kind         EventKind
	DeviceID     string
	DeviceType   Type
	Payload      json.RawMessage // only set for EventTelemetry
	CommandName  string          // only set for EventCommandResult
	Success      bool            // only set for EventCommandResult
	Message      string          // only set for EventCommandResult
	OccurredAt   time.Time
}

// Error is a device-layer error distinguishing invalid metric/command
// names from transport failures, matching the taxonomy the original
// device crate's DeviceError enum draws.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func ErrUnknownMetric(name string) error {
	return &Error{Kind: "invalid_metric", Message: fmt.Sprintf("unknown metric: %s", name)}
}

func ErrUnknownCommand(name string) error {
	return &Error{Kind: "invalid_command", Message: fmt.Sprintf("unknown command: %s", name)}
}
