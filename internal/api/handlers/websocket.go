package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/connectivity"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/syncer"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware handles origin policy
		return true
	},
}

// WebSocketMessage is the envelope of every message sent to clients.
type WebSocketMessage struct {
	Type    string `json:"type"` // "hello", "dataChanged", "connectivity"
	Payload any    `json:"payload"`
}

// clientMessage is what a client may send: a subscription filter.
type clientMessage struct {
	Type        string   `json:"type"` // "subscribe"
	Collections []string `json:"collections"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter map[string]bool // nil means every collection
}

func (c *Client) wants(collection string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter == nil || collection == "" || c.filter[collection]
}

type outbound struct {
	collection string // empty for messages every client gets
	data       []byte
}

// Hub maintains the set of active clients and fans sync events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
}

// Run is the hub's main loop. It returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnections.Dec()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			logger.Info("WebSocket client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnections.Dec()
				logger.Info("WebSocket client disconnected", "total_clients", len(h.clients))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			sent := 0
			for client := range h.clients {
				if !client.wants(msg.collection) {
					continue
				}
				select {
				case client.send <- msg.data:
					sent++
				default:
					// client's send buffer is full
					close(client.send)
					delete(h.clients, client)
					metrics.WebSocketConnections.Dec()
				}
			}
			h.mu.Unlock()
			metrics.WebSocketMessagesSent.Add(float64(sent))
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(collection string, msg WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal WebSocket message", "error", err, "type", msg.Type)
		return
	}
	select {
	case h.broadcast <- outbound{collection: collection, data: data}:
	default:
		logger.Warn("WebSocket broadcast buffer full, dropping message", "type", msg.Type)
	}
}

// PublishChange forwards a data change to subscribed clients. It never
// blocks, so it is safe as an orchestrator change handler.
func (h *Hub) PublishChange(ev syncer.DataChanged) {
	h.publish(ev.Collection, WebSocketMessage{Type: "dataChanged", Payload: ev})
}

// PublishConnectivity forwards a connectivity transition to every client.
func (h *Hub) PublishConnectivity(ev connectivity.Event) {
	h.publish("", WebSocketMessage{Type: "connectivity", Payload: ev})
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket unexpected close", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "subscribe" {
			continue
		}
		c.mu.Lock()
		if len(msg.Collections) == 0 {
			c.filter = nil
		} else {
			c.filter = make(map[string]bool, len(msg.Collections))
			for _, name := range msg.Collections {
				c.filter[name] = true
			}
		}
		c.mu.Unlock()
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON message per frame so clients can parse each frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SummaryFunc returns the current sync summary for the hello message.
type SummaryFunc func() syncer.Summary

// WebSocketHandler upgrades connections and registers them with the hub.
type WebSocketHandler struct {
	hub     *Hub
	summary SummaryFunc
}

// NewWebSocketHandler serves clients of hub. The hub must be running.
func NewWebSocketHandler(hub *Hub, summary SummaryFunc) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, summary: summary}
}

// HandleWebSocket handles WebSocket upgrade and client connection
// GET /api/ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", "error", err)
		apierr.WriteErrorWithContext(w, r, apierr.SystemInternal("Failed to establish WebSocket connection"))
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// the hello goes first, before any broadcast can reach this client
	if h.summary != nil {
		if data, err := json.Marshal(WebSocketMessage{Type: "hello", Payload: h.summary()}); err == nil {
			client.send <- data
		}
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// Hub returns the WebSocket hub for external broadcasting
func (h *WebSocketHandler) Hub() *Hub {
	return h.hub
}
