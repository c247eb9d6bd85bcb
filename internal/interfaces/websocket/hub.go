// Package websocket pushes session updates to connected control UIs and
// accepts operator decisions over the same connection.
package websocket

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/entity"
	"github.com/playingpack/playingpack/internal/domain/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local debugging tool; all origins accepted
	},
}

// MessageType identifies a websocket frame.
type MessageType string

const (
	MessageTypeRequestUpdate MessageType = "request_update"
	MessageTypeSnapshot      MessageType = "snapshot"
	MessageTypePoint1Action  MessageType = "point1_action"
	MessageTypePoint2Action  MessageType = "point2_action"
	MessageTypeError         MessageType = "error"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
)

// WSMessage is the wire envelope in both directions.
type WSMessage struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Session   *entity.Session   `json:"session,omitempty"`
	Sessions  []*entity.Session `json:"sessions,omitempty"`
	Action    json.RawMessage   `json:"action,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Client is one connected UI.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Hub fans session updates out to all connected clients and routes their
// decisions back to the broker.
type Hub struct {
	broker *service.Broker
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
	unsub   func()
}

// NewHub creates a hub wired to the broker. Start subscribes it.
func NewHub(broker *service.Broker, logger *zap.Logger) *Hub {
	return &Hub{
		broker:  broker,
		logger:  logger.With(zap.String("component", "ws")),
		clients: make(map[string]*Client),
	}
}

// Start subscribes the hub to broker events.
func (h *Hub) Start() {
	h.unsub = h.broker.Subscribe(func(ev service.Event) {
		h.broadcast(&WSMessage{
			Type:      MessageTypeRequestUpdate,
			RequestID: ev.Session.ID,
			Session:   ev.Session,
		})
	})
}

// Stop unsubscribes and closes all connections.
func (h *Hub) Stop() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Marshal broadcast failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; drop the frame rather than block the broker.
		}
	}
}

// ServeWS upgrades the connection, sends the current session snapshot and
// starts the read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.nextID++
	client := &Client{
		id:     time.Now().Format("20060102150405") + "-" + strconv.Itoa(h.nextID),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h,
		logger: h.logger,
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Info("Client connected", zap.String("client_id", client.id))

	client.enqueue(&WSMessage{
		Type:     MessageTypeSnapshot,
		Sessions: h.broker.List(),
	})

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("Client disconnected", zap.String("client_id", c.id))
}

// dispatch routes an inbound decision frame to the broker. Unknown frame
// types are ignored so UI and proxy can evolve independently.
func (h *Hub) dispatch(c *Client, msg *WSMessage) {
	switch msg.Type {
	case MessageTypePing:
		c.enqueue(&WSMessage{Type: MessageTypePong})

	case MessageTypePoint1Action:
		var action entity.Point1Action
		if err := json.Unmarshal(msg.Action, &action); err != nil || !action.Valid() {
			c.enqueue(&WSMessage{
				Type:      MessageTypeError,
				RequestID: msg.RequestID,
				Message:   "invalid point 1 action",
			})
			return
		}
		if !h.broker.ResolvePoint1(msg.RequestID, action) {
			c.enqueue(&WSMessage{
				Type:      MessageTypeError,
				RequestID: msg.RequestID,
				Message:   "no pending decision for request",
			})
		}

	case MessageTypePoint2Action:
		var action entity.Point2Action
		if err := json.Unmarshal(msg.Action, &action); err != nil || !action.Valid() {
			c.enqueue(&WSMessage{
				Type:      MessageTypeError,
				RequestID: msg.RequestID,
				Message:   "invalid point 2 action",
			})
			return
		}
		if !h.broker.ResolvePoint2(msg.RequestID, action) {
			c.enqueue(&WSMessage{
				Type:      MessageTypeError,
				RequestID: msg.RequestID,
				Message:   "no pending decision for request",
			})
		}
	}
}

func (c *Client) enqueue(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("Read error", zap.Error(err))
			}
			return
		}

		// Decisions also reset the idle deadline.
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("Unparseable frame", zap.Error(err))
			continue
		}
		c.hub.dispatch(c, &msg)
	}
}

func (c *Client) writePump() {
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
