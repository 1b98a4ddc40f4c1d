// Package socket pushes bus events to dashboard clients over WebSocket and
// accepts music control messages from them.
package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// Message types sent by clients.
const (
	MsgTypeMusicControl = "music_control"
	MsgTypePing         = "ping"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Bus is the event bus the hub bridges to.
type Bus interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
	Publish(evt events.Event)
}

// inbound is a message received from a client.
type inbound struct {
	Type    string `json:"type"`
	GuildID string `json:"guild_id"`
	Action  string `json:"action"`
	Query   string `json:"query"`
	UserID  string `json:"user_id"`
}

// Hub tracks connected clients.
type Hub struct {
	bus Bus

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub creates a new Hub.
func NewHub(bus Bus) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Err(err).Msg("socket: upgrade failed")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		sub:  h.bus.Subscribe(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	zlog.Debug().Msgf("socket: client connected id=%s", c.id)

	go c.writePump()
	c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if ok {
		h.bus.Unsubscribe(c.sub)
		close(c.done)
		zlog.Debug().Msgf("socket: client disconnected id=%s", c.id)
	}
}

// handle acts on one client message.
func (h *Hub) handle(c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(map[string]string{"type": "error", "message": "invalid message format"})
		return
	}

	switch msg.Type {
	case MsgTypeMusicControl:
		if msg.GuildID == "" || msg.Action == "" {
			c.reply(map[string]string{"type": "error", "message": "guild_id and action are required"})
			return
		}
		userID := msg.UserID
		if userID == "" {
			userID = "dashboard"
		}
		h.bus.Publish(events.New(events.TypeMusicControl, map[string]any{
			"guild_id": msg.GuildID,
			"action":   msg.Action,
			"query":    msg.Query,
			"user_id":  userID,
		}))
		zlog.Info().Msgf("socket: music control guild=%s action=%s client=%s", msg.GuildID, msg.Action, c.id)
	case MsgTypePing:
		c.reply(map[string]string{"type": "pong"})
	default:
		c.reply(map[string]string{"type": "error", "message": "unknown message type"})
	}
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	sub  *events.Subscription
	send chan []byte
	done chan struct{}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
				zlog.Warn().Err(err).Msgf("socket: read failed id=%s", c.id)
			}
			return
		}
		c.hub.handle(c, data)
	}
}

// writePump is the only writer of conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.C():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				zlog.Warn().Err(err).Msgf("socket: failed to encode event type=%s", evt.Type)
				continue
			}
			if !c.write(data) {
				return
			}

		case data := <-c.send:
			if !c.write(data) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) write(data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// reply queues a direct answer, dropping it when the client is backed up.
func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
