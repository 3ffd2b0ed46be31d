package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"watchsync/internal/connection"
	"watchsync/internal/relay"
)

// Config holds transport-level WebSocket settings.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Hub owns the socket side of every connection: upgrade, attach/resume,
// and outbound delivery. It implements relay.Sender; messages to an id
// with no live socket (grace period, or closed mid-flight) are dropped.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	manager  *connection.Manager
	relay    *relay.Relay

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub. The relay is attached afterwards with SetRelay,
// since the relay in turn needs the hub as its Sender.
func NewHub(config Config, manager *connection.Manager) *Hub {
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		manager: manager,
		clients: make(map[string]*client),
	}
}

// SetRelay attaches the relay. Must be called before serving connections.
func (h *Hub) SetRelay(r *relay.Relay) {
	h.relay = r
}

// ServeWS upgrades an HTTP request and attaches the socket. A ?resume=<id>
// query parameter attempts session recovery first; when the grace window
// has lapsed the client silently gets a fresh identity instead.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBufferSize),
	}

	resumed := false
	if prior := r.URL.Query().Get("resume"); prior != "" {
		// Bind before resuming so the recovery snapshot lands in the
		// send buffer.
		c.id = prior
		h.bind(c)
		if h.relay.Resume(prior) {
			resumed = true
		} else {
			h.unbind(c)
		}
	}
	if !resumed {
		c.id = h.manager.Register()
		h.bind(c)
	}

	go c.writePump()
	go c.readPump()

	h.Send(c.id, relay.NewHello(c.id))

	log.Info().
		Str("connection_id", c.id).
		Bool("resumed", resumed).
		Msg("WebSocket connection established")
}

// Send marshals and enqueues a message for one connection. A slow consumer
// whose buffer is full is closed rather than allowed to stall the room.
func (h *Hub) Send(connID string, msg relay.Message) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal outbound message")
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn().
			Str("connection_id", connID).
			Msg("send buffer full, closing connection")
		// The read pump's deferred drop is skipped once the socket is
		// unbound here, so start the grace window now rather than waiting
		// out the liveness timeout.
		if h.unbind(c) {
			if err := h.manager.MarkDropped(connID); err != nil &&
				!errors.Is(err, connection.ErrConnectionNotFound) {
				log.Error().Err(err).Str("connection_id", connID).Msg("mark dropped failed")
			}
		}
		c.conn.Close()
	}
}

// ClientCount reports the number of currently attached sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) bind(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.id]; ok && old != c {
		old.conn.Close()
	}
	h.clients[c.id] = c
}

// unbind detaches the socket for an id, but only if it is still this one;
// a resumed connection may already have bound a replacement. Reports
// whether this socket was still the bound one.
func (h *Hub) unbind(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
		return true
	}
	return false
}
