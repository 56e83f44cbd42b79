package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"statdeck/internal/events"
)

const (
	// WebSocket settings
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server only listens on loopback by default
		return true
	},
}

// ClientMessage is a message sent by a UI client
type ClientMessage struct {
	Type string `json:"type"`
	// Count is the number of keystrokes for "keystrokes" messages
	Count int `json:"count,omitempty"`
}

// WebSocketHub fans routed events out to connected UI clients. It is
// attached to the event router only while at least one client is
// connected, so nothing is buffered while the UI is absent.
type WebSocketHub struct {
	router    *events.Router
	logger    *zap.SugaredLogger
	onMessage func(ClientMessage)

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	detach  func()

	register   chan *wsClient
	unregister chan *wsClient
	stopChan   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// wsClient represents a WebSocket client connection
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WebSocketHub
}

// NewWebSocketHub creates a hub and starts its registration loop.
// onMessage may be nil.
func NewWebSocketHub(router *events.Router, onMessage func(ClientMessage), logger *zap.SugaredLogger) *WebSocketHub {
	if onMessage == nil {
		onMessage = func(ClientMessage) {}
	}
	h := &WebSocketHub{
		router:     router,
		logger:     logger,
		onMessage:  onMessage,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go h.run()

	return h
}

// run manages client registration and router attachment. detach is only
// touched here, and never under mu: the router calls Deliver with its own
// lock held.
func (h *WebSocketHub) run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			if h.detach == nil {
				h.detach = h.router.Attach("websocket", h)
			}
			h.logger.Infow("WebSocket client registered", "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if total == 0 && h.detach != nil {
				h.detach()
				h.detach = nil
			}
			h.logger.Infow("WebSocket client unregistered", "total_clients", total)

		case <-h.stopChan:
			if h.detach != nil {
				h.detach()
				h.detach = nil
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
			}
			h.clients = make(map[*wsClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes all connections and detaches from the router
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	<-h.done
}

// Deliver implements events.Sink. It never blocks; the event is dropped
// for clients whose send buffer is full, and false is returned.
func (h *WebSocketHub) Deliver(ev events.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Errorw("Failed to marshal event", "type", string(ev.Type), "error", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := len(h.clients) > 0
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delivered = false
		}
	}
	return delivered
}

// ActiveConnections returns the number of connected clients
func (h *WebSocketHub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams events to it
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads client messages and detects disconnects
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("WebSocket read error", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debugw("Ignoring malformed client message", "error", err)
			continue
		}
		c.hub.onMessage(msg)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warnw("WebSocket write error", "error", err)
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
