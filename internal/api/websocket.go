package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlasdesk/strategy-orchestrator/internal/events"
)

// MessageType tags a pushed websocket payload.
type MessageType string

const (
	MsgTypePlanState MessageType = "plan_state"
	MsgTypeOrder     MessageType = "order_update"
	MsgTypeRiskAlert MessageType = "risk_alert"
	MsgTypeHeartbeat MessageType = "heartbeat"
)

// WSMessage is one pushed frame.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one connected websocket consumer. Grounded on the teacher's
// Hub/Client broadcast idiom in internal/api/websocket.go.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out pushed events to every connected client; it does not support
// per-channel subscriptions since this API only ever pushes three event
// kinds, all of general interest to any connected dashboard.
type Hub struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
}

// NewHub creates a Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run drives registration, broadcast, and a 30s heartbeat.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		case <-ticker.C:
			h.publish(MsgTypeHeartbeat, struct{}{})
		}
	}
}

func (h *Hub) publish(t MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal push payload", zap.Error(err))
		return
	}
	msg, err := json.Marshal(WSMessage{Type: t, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping push")
	}
}

func (s *Server) subscribeHub(bus *events.Bus) {
	bus.Subscribe(events.EventTypePlanState, func(e events.Event) {
		s.hub.publish(MsgTypePlanState, e)
	})
	bus.Subscribe(events.EventTypeOrder, func(e events.Event) {
		s.hub.publish(MsgTypeOrder, e)
	})
	bus.Subscribe(events.EventTypeRiskAlert, func(e events.Event) {
		s.hub.publish(MsgTypeRiskAlert, e)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{id: conn.RemoteAddr().String(), conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- client
	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) writePump(c *Client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	c.conn.Close()
}

func (s *Server) readPump(c *Client) {
	defer func() { s.hub.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
