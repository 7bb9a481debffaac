package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/logging"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is one frame pushed to websocket clients.
type Message struct {
	Type      string         `json:"type"`
	Kind      string         `json:"kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// executionID restricts delivery to one execution and its children.
	executionID string
}

// Hub fans bus events out to connected websocket clients. Delivery is
// best-effort: a client whose buffer is full misses the frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logging.Component(logger, "ws"),
	}
}

// Attach subscribes the hub to command and execution events on bus.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.Subscribe(h.Broadcast,
		events.EventCommandTransition,
		events.EventExecutionUpdate,
		events.EventExecutionLog,
	)
}

// Broadcast converts e into a client message and queues it for every
// matching client.
func (h *Hub) Broadcast(e events.Event) {
	msg := messageFor(e)
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("marshal ws message")
		return
	}
	executionID, _ := e.Data["execution_id"].(string)
	parentID, _ := e.Data["parent_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.executionID != "" && c.executionID != executionID && c.executionID != parentID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Debug().Msg("ws client buffer full, dropping message")
		}
	}
}

func messageFor(e events.Event) Message {
	msg := Message{Type: string(e.Type), Timestamp: e.Timestamp, Data: e.Data}
	switch e.Type {
	case events.EventCommandTransition:
		msg.Type = string(events.EventExecutionUpdate)
		msg.Kind = "command"
	case events.EventExecutionUpdate:
		msg.Kind = "execution"
	}
	return msg
}

// ServeWS upgrades the request and registers the client. A non-empty
// executionID limits the stream to that execution.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, executionID string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &wsClient{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, wsSendBuffer),
		executionID: executionID,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Str("execution_id", executionID).Msg("ws client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) reply(c *wsClient, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("ws read")
			}
			return
		}
		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &in) == nil && in.Type == "ping" {
			c.hub.reply(c, Message{Type: "pong", Timestamp: time.Now().UTC()})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
