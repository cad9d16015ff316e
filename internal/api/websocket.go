package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/events"
)

// wsMessage is the wire shape pushed to and received from a dashboard
// client. Outbound messages carry Kind/Symbol/Data mirroring events.Event;
// inbound messages are limited to subscribe/unsubscribe/ping.
type wsMessage struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Hub fans out lifecycle events to every connected WebSocket client,
// optionally filtered to channels a client has subscribed to. Adapted from
// the teacher's websocket.go Hub, swapping the backtest broadcast methods
// for a single BroadcastEvent fed by the event bus.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run processes register/unregister events until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("id", client.id))
		}
	}
}

func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastEvent pushes ev to every client subscribed to its Kind or to
// "symbol:"+ev.Symbol, and to clients subscribed to the wildcard "*"
// channel. Registered against the event bus via SubscribeAll, so it runs on
// the bus's own worker goroutines — never on the Execution Supervisor's
// tick path.
func (h *Hub) BroadcastEvent(ev events.Event) {
	msg := wsMessage{
		Type:      "event",
		Kind:      string(ev.Kind),
		Symbol:    ev.Symbol,
		Strategy:  ev.Strategy,
		Message:   ev.Message,
		Data:      ev.Data,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	channels := map[string]bool{string(ev.Kind): true, "*": true}
	if ev.Symbol != "" {
		channels["symbol:"+ev.Symbol] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribesAny(channels) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("client send buffer full, dropping event", zap.String("id", c.id))
		}
	}
}

// Client is one connected WebSocket dashboard/notifier.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	mu            sync.RWMutex
	subscriptions map[string]bool
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		// clients see nothing until they subscribe, except the wildcard
		// default below lets a bare connection observe everything — most
		// dashboards want the full feed rather than per-channel opt-in.
		subscriptions: map[string]bool{"*": true},
	}
}

func (c *Client) subscribesAny(channels map[string]bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = true
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// ReadPump drains inbound subscribe/unsubscribe/ping control messages.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Channel)
		case "unsubscribe":
			c.unsubscribe(msg.Channel)
		case "ping":
			pong, _ := json.Marshal(wsMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// WritePump flushes queued messages and keeps the connection alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
