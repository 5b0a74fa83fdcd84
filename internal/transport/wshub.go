// Package transport exposes the control plane's event stream to
// dashboards and other live consumers over WebSocket, the same
// connection-per-client, buffered-send-channel shape the teacher's
// chat gateway uses for its control-plane socket, reused here to push
// device/automation/command events instead of chat frames.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/observability"
)

const (
	wsMaxPayloadBytes = 1 << 16
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 30 * time.Second
	wsSendBuffer      = 64
)

// Frame is one event pushed to a connected dashboard client.
type Frame struct {
	Kind     eventbus.Kind `json:"kind"`
	Source   string        `json:"source,omitempty"`
	OccurredAtUnixMs int64  `json:"occurred_at_ms"`
	Payload  any           `json:"payload"`
}

// EventHub serves a WebSocket endpoint that mirrors every event
// published on a Bus to every connected client, so a dashboard never
// has to poll. It holds no per-client filtering logic; kind-based
// filtering is left to the client since every client is assumed to be
// a trusted operator surface on the local network.
type EventHub struct {
	bus      *eventbus.Bus
	logger   *observability.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewEventHub builds a hub that mirrors bus onto any client that
// connects to its ServeHTTP handler.
func NewEventHub(bus *eventbus.Bus, logger *observability.Logger) *EventHub {
	h := &EventHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	bus.Subscribe(h.broadcast)
	return h
}

func (h *EventHub) broadcast(ctx context.Context, event eventbus.Event) {
	frame := Frame{
		Kind:             event.Kind,
		Source:           event.Metadata.Source,
		OccurredAtUnixMs: event.Metadata.OccurredAt.UnixMilli(),
		Payload:          event.Payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// client is too slow to keep up; drop it rather than block
			// delivery to everyone else.
			h.remove(c)
		}
	}
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket connection and begins
// mirroring bus events to it until the client disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writeLoop()
	client.readLoop()
	h.remove(client)
}

// wsClient is one connected dashboard socket: a write loop draining
// send with periodic pings, and a read loop that exists only to detect
// disconnects and keep the pong deadline alive (dashboards never send
// this hub anything meaningful).
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
