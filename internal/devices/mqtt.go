package devices

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/edgecore-io/edgecore/internal/retry"
)

// MQTTConfig configures a broker connection and the topic layout this
// adapter expects devices to publish on: telemetry arrives on
// "{TelemetryTopicPrefix}/{device_id}", commands are sent to
// "{CommandTopicPrefix}/{device_id}".
type MQTTConfig struct {
	Broker               string
	Port                  int
	ClientID              string
	Username              string
	Password              string
	KeepAliveSeconds      uint16
	QoS                   byte
	TelemetryTopicPrefix  string
	CommandTopicPrefix    string
}

func (c MQTTConfig) addr() string {
	return net.JoinHostPort(c.Broker, strconv.Itoa(c.Port))
}

// MQTTAdapter bridges an MQTT broker to the device Adapter contract.
// Every device subscribed through SubscribeDevice shares one broker
// connection, distinguished by topic.
type MQTTAdapter struct {
	name   string
	config MQTTConfig

	mu      sync.RWMutex
	client  *paho.Client
	conn    net.Conn
	running bool
	status  ConnectionStatus
	devices map[string]struct{}

	events chan Event
}

// NewMQTTAdapter builds an adapter for the given broker config. name is
// a human-readable label used in logs and the registry.
func NewMQTTAdapter(name string, config MQTTConfig) *MQTTAdapter {
	if config.ClientID == "" {
		config.ClientID = "edgecore-" + uuid.NewString()
	}
	if config.KeepAliveSeconds == 0 {
		config.KeepAliveSeconds = 60
	}
	if config.QoS == 0 {
		config.QoS = 1
	}
	return &MQTTAdapter{
		name:    name,
		config:  config,
		status:  StatusDisconnected,
		devices: make(map[string]struct{}),
		events:  make(chan Event, 256),
	}
}

func (a *MQTTAdapter) Name() string        { return a.name }
func (a *MQTTAdapter) AdapterType() string  { return "mqtt" }

func (a *MQTTAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *MQTTAdapter) ConnectionStatus() ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Start dials the broker and performs the MQTT CONNECT handshake,
// retrying with the shared backoff policy on dial failure.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	conn, result := retry.DoWithValue(ctx, retry.DefaultConfig(), func() (net.Conn, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", a.config.addr())
	})
	if result.Err != nil {
		a.mu.Lock()
		a.status = StatusError
		a.mu.Unlock()
		return fmt.Errorf("devices: dial mqtt broker %s: %w", a.config.addr(), result.Err)
	}

	router := paho.NewStandardRouter()
	router.RegisterHandler(a.config.TelemetryTopicPrefix+"/#", a.handleMessage)

	client := paho.NewClient(paho.ClientConfig{
		Conn:   conn,
		Router: router,
	})

	connectPacket := &paho.Connect{
		ClientID:   a.config.ClientID,
		KeepAlive:  a.config.KeepAliveSeconds,
		CleanStart: true,
	}
	if a.config.Username != "" {
		connectPacket.Username = a.config.Username
		connectPacket.UsernameFlag = true
	}
	if a.config.Password != "" {
		connectPacket.Password = []byte(a.config.Password)
		connectPacket.PasswordFlag = true
	}

	if _, err := client.Connect(ctx, connectPacket); err != nil {
		_ = conn.Close()
		a.mu.Lock()
		a.status = StatusError
		a.mu.Unlock()
		return fmt.Errorf("devices: mqtt connect handshake: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.conn = conn
	a.running = true
	a.status = StatusConnected
	a.mu.Unlock()

	return nil
}

func (a *MQTTAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	if a.client != nil {
		_ = a.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.running = false
	a.status = StatusDisconnected
	close(a.events)
	return nil
}

func (a *MQTTAdapter) Subscribe() <-chan Event { return a.events }

// handleMessage turns an inbound publish into a TelemetryReceived event.
// The device id is the topic segment following TelemetryTopicPrefix.
func (a *MQTTAdapter) handleMessage(p *paho.Publish) {
	deviceID := deviceIDFromTopic(p.Topic, a.config.TelemetryTopicPrefix)
	if deviceID == "" {
		return
	}

	a.mu.Lock()
	a.devices[deviceID] = struct{}{}
	a.mu.Unlock()

	select {
	case a.events <- Event{
		Kind:       EventTelemetry,
		DeviceID:   deviceID,
		Payload:    append([]byte(nil), p.Payload...),
		OccurredAt: time.Now(),
	}:
	default:
		// Drop on a full buffer rather than block the paho read loop.
	}
}

func encodeCommandPayload(cmd Command) ([]byte, error) {
	return jsonMarshalCommand(cmd)
}

func deviceIDFromTopic(topic, prefix string) string {
	if len(topic) <= len(prefix)+1 || topic[:len(prefix)] != prefix {
		return ""
	}
	rest := topic[len(prefix)+1:]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}

func (a *MQTTAdapter) SendCommand(ctx context.Context, cmd Command) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("devices: mqtt adapter %s is not connected", a.name)
	}

	payload, err := encodeCommandPayload(cmd)
	if err != nil {
		return err
	}

	topic := a.config.CommandTopicPrefix + "/" + cmd.DeviceID
	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     a.config.QoS,
		Payload: payload,
	})
	return err
}

func (a *MQTTAdapter) SubscribeDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	a.devices[deviceID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *MQTTAdapter) UnsubscribeDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	delete(a.devices, deviceID)
	a.mu.Unlock()
	return nil
}

func (a *MQTTAdapter) DeviceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}

func (a *MQTTAdapter) ListDevices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.devices))
	for id := range a.devices {
		out = append(out, id)
	}
	return out
}
