package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

// No Modbus client library appears anywhere in the retrieval pack, so
// this speaks the Modbus TCP/MBAP framing directly over a stdlib
// net.Conn: a transaction id, protocol id 0, length, unit id, then the
// PDU (function code + payload).

// RegisterType names the four Modbus register address spaces.
type RegisterType string

const (
	RegisterCoil            RegisterType = "coil"
	RegisterDiscreteInput   RegisterType = "discrete_input"
	RegisterInputRegister   RegisterType = "input_register"
	RegisterHoldingRegister RegisterType = "holding_register"
)

// RegisterDefinition maps a metric name to a Modbus register address.
type RegisterDefinition struct {
	Name         string
	Address      uint16
	RegisterType RegisterType
	DataType     MetricDataType
	Scale        float64 // 0 means unscaled (equivalent to 1.0)
	Count        uint16  // number of 16-bit registers (2 for a 32-bit value)
}

func (r RegisterDefinition) scaleOrOne() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// ModbusDeviceConfig binds one Modbus TCP slave (unit) to a set of
// register definitions polled on an interval.
type ModbusDeviceConfig struct {
	DeviceID     string
	Host         string
	Port         int
	UnitID       byte
	PollInterval time.Duration
	Registers    []RegisterDefinition
}

const (
	modbusReadCoils            = 0x01
	modbusReadDiscreteInputs   = 0x02
	modbusReadHoldingRegisters = 0x03
	modbusReadInputRegisters   = 0x04
	modbusWriteSingleCoil      = 0x05
	modbusWriteSingleRegister  = 0x06
)

// ModbusAdapter polls one or more Modbus TCP slaves and reports their
// register values as telemetry.
type ModbusAdapter struct {
	name string

	mu      sync.RWMutex
	running bool
	status  ConnectionStatus
	devices map[string]*modbusDeviceState

	events chan Event
	cancel map[string]func()
}

type modbusDeviceState struct {
	config ModbusDeviceConfig
	conn   net.Conn
	mu     sync.Mutex
}

// NewModbusAdapter creates an adapter with no devices attached; call
// SubscribeDevice (or AddDevice) to register one.
func NewModbusAdapter(name string) *ModbusAdapter {
	return &ModbusAdapter{
		name:    name,
		status:  StatusDisconnected,
		devices: make(map[string]*modbusDeviceState),
		events:  make(chan Event, 256),
		cancel:  make(map[string]func()),
	}
}

func (a *ModbusAdapter) Name() string        { return a.name }
func (a *ModbusAdapter) AdapterType() string { return "modbus" }

func (a *ModbusAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *ModbusAdapter) ConnectionStatus() ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *ModbusAdapter) Start(_ context.Context) error {
	a.mu.Lock()
	a.running = true
	a.status = StatusConnected
	a.mu.Unlock()
	return nil
}

func (a *ModbusAdapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.cancel {
		cancel()
		delete(a.cancel, id)
	}
	for _, d := range a.devices {
		d.mu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
		}
		d.mu.Unlock()
	}
	a.running = false
	a.status = StatusDisconnected
	close(a.events)
	return nil
}

func (a *ModbusAdapter) Subscribe() <-chan Event { return a.events }

// AddDevice registers a Modbus slave and starts polling it immediately
// if the adapter is already running.
func (a *ModbusAdapter) AddDevice(cfg ModbusDeviceConfig) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	state := &modbusDeviceState{config: cfg}

	a.mu.Lock()
	a.devices[cfg.DeviceID] = state
	running := a.running
	a.mu.Unlock()

	if running {
		a.startPolling(cfg.DeviceID, state)
	}
}

func (a *ModbusAdapter) startPolling(deviceID string, state *modbusDeviceState) {
	stop := make(chan struct{})
	a.mu.Lock()
	a.cancel[deviceID] = func() { close(stop) }
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(state.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.pollDevice(deviceID, state)
			}
		}
	}()
}

func (a *ModbusAdapter) pollDevice(deviceID string, state *modbusDeviceState) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.conn == nil {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(state.config.Host, fmt.Sprint(state.config.Port)), 5*time.Second)
		if err != nil {
			return
		}
		state.conn = conn
	}

	values := make(map[string]any, len(state.config.Registers))
	for _, reg := range state.config.Registers {
		v, err := readRegister(state.conn, state.config.UnitID, reg)
		if err != nil {
			_ = state.conn.Close()
			state.conn = nil
			return
		}
		values[reg.Name] = v
	}

	payload, err := jsonMarshalValues(values)
	if err != nil {
		return
	}

	select {
	case a.events <- Event{Kind: EventTelemetry, DeviceID: deviceID, Payload: payload, OccurredAt: time.Now()}:
	default:
	}
}

// readRegister issues the Modbus read function matching reg.RegisterType
// and decodes the raw register bytes per reg.DataType and reg.Scale.
func readRegister(conn net.Conn, unitID byte, reg RegisterDefinition) (float64, error) {
	count := reg.Count
	if count == 0 {
		count = 1
	}

	var fn byte
	switch reg.RegisterType {
	case RegisterCoil:
		fn = modbusReadCoils
	case RegisterDiscreteInput:
		fn = modbusReadDiscreteInputs
	case RegisterHoldingRegister:
		fn = modbusReadHoldingRegisters
	default:
		fn = modbusReadInputRegisters
	}

	pdu := make([]byte, 5)
	pdu[0] = fn
	binary.BigEndian.PutUint16(pdu[1:3], reg.Address)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	resp, err := sendModbusPDU(conn, unitID, pdu)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("devices: short modbus response")
	}

	byteCount := int(resp[1])
	data := resp[2:]
	if len(data) < byteCount {
		return 0, fmt.Errorf("devices: truncated modbus response")
	}

	var raw uint32
	if count >= 2 && byteCount >= 4 {
		raw = binary.BigEndian.Uint32(data[:4])
	} else if byteCount >= 2 {
		raw = uint32(binary.BigEndian.Uint16(data[:2]))
	} else if byteCount >= 1 {
		raw = uint32(data[0])
	}

	return float64(raw) * reg.scaleOrOne(), nil
}

// sendModbusPDU wraps pdu in an MBAP header, writes it, and returns the
// response PDU (with the leading unit-id byte stripped).
func sendModbusPDU(conn net.Conn, unitID byte, pdu []byte) ([]byte, error) {
	transactionID := uint16(time.Now().UnixNano())

	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], transactionID)
	binary.BigEndian.PutUint16(header[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pdu)+1))
	header[6] = unitID

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(header, pdu...)); err != nil {
		return nil, err
	}

	respHeader := make([]byte, 7)
	if _, err := readFull(conn, respHeader); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(respHeader[4:6])
	if length < 1 {
		return nil, fmt.Errorf("devices: invalid modbus response length")
	}
	body := make([]byte, length-1)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	if len(body) > 0 && body[0]&0x80 != 0 {
		return nil, fmt.Errorf("devices: modbus exception response")
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func jsonMarshalValues(values map[string]any) ([]byte, error) {
	return jsonMarshalMap(values)
}

// SendCommand writes a single coil or holding register.
func (a *ModbusAdapter) SendCommand(_ context.Context, cmd Command) error {
	a.mu.RLock()
	state, ok := a.devices[cmd.DeviceID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("devices: unknown modbus device %s", cmd.DeviceID)
	}

	addrVal, hasAddr := cmd.Payload["address"]
	valueVal, hasValue := cmd.Payload["value"]
	if !hasAddr || !hasValue {
		return fmt.Errorf("devices: modbus command requires address and value")
	}
	addr, ok := toUint16(addrVal)
	if !ok {
		return fmt.Errorf("devices: invalid modbus address")
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.conn == nil {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(state.config.Host, fmt.Sprint(state.config.Port)), 5*time.Second)
		if err != nil {
			return err
		}
		state.conn = conn
	}

	var pdu []byte
	switch cmd.Name {
	case "write_coil":
		b, _ := valueVal.(bool)
		val := uint16(0x0000)
		if b {
			val = 0xFF00
		}
		pdu = []byte{modbusWriteSingleCoil, 0, 0, 0, 0}
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		binary.BigEndian.PutUint16(pdu[3:5], val)
	case "write_register":
		f, ok := toFloat(valueVal)
		if !ok {
			return fmt.Errorf("devices: invalid modbus register value")
		}
		pdu = []byte{modbusWriteSingleRegister, 0, 0, 0, 0}
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(math.Round(f)))
	default:
		return ErrUnknownCommand(cmd.Name)
	}

	_, err := sendModbusPDU(state.conn, state.config.UnitID, pdu)
	return err
}

func toUint16(v any) (uint16, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return uint16(f), true
}

func (a *ModbusAdapter) SubscribeDevice(_ context.Context, deviceID string) error {
	a.mu.RLock()
	_, ok := a.devices[deviceID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("devices: unknown modbus device %s", deviceID)
	}
	return nil
}

func (a *ModbusAdapter) UnsubscribeDevice(_ context.Context, deviceID string) error {
	a.mu.Lock()
	if cancel, ok := a.cancel[deviceID]; ok {
		cancel()
		delete(a.cancel, deviceID)
	}
	delete(a.devices, deviceID)
	a.mu.Unlock()
	return nil
}

func (a *ModbusAdapter) DeviceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}

func (a *ModbusAdapter) ListDevices() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.devices))
	for id := range a.devices {
		out = append(out, id)
	}
	return out
}
