package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"watchsync/internal/connection"
	"watchsync/internal/playback"
	"watchsync/internal/relay"
)

// inbound is the client-to-server message schema.
type inbound struct {
	Type   string        `json:"type"`
	RoomID string        `json:"roomId"`
	Kind   playback.Kind `json:"kind"`
	Time   *float64      `json:"time,omitempty"`
}

const (
	inboundJoin    = "join"
	inboundControl = "control"
)

// client is one attached socket. The id outlives the socket: a dropped
// connection keeps its id through the grace period and a resumed one gets
// a fresh client bound to the same id.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump reads frames until the socket fails, heartbeating the
// connection manager on every frame. A read failure starts the grace
// period rather than destroying the connection.
func (c *client) readPump() {
	defer func() {
		wasBound := c.hub.unbind(c)
		c.conn.Close()
		if !wasBound {
			// A resumed connection already bound a replacement socket.
			return
		}
		if err := c.hub.manager.MarkDropped(c.id); err != nil &&
			!errors.Is(err, connection.ErrConnectionNotFound) {
			log.Error().Err(err).Str("connection_id", c.id).Msg("mark dropped failed")
		}
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.hub.manager.Heartbeat(c.id)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))

		if err := c.hub.manager.Heartbeat(c.id); err != nil {
			// Finalized while a frame was in flight; drop the socket.
			break
		}
		c.handleMessage(data)
	}
}

func (c *client) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.id).
			Msg("invalid inbound message")
		return
	}

	switch msg.Type {
	case inboundJoin:
		if msg.RoomID == "" {
			c.hub.Send(c.id, relay.NewJoinRejected(relay.ReasonInvalidPayload))
			return
		}
		c.hub.relay.JoinRoom(c.id, msg.RoomID)
	case inboundControl:
		// Rejections are reported to the client by the relay.
		c.hub.relay.ControlEvent(c.id, msg.RoomID, msg.Kind, msg.Time)
	default:
		log.Warn().
			Str("connection_id", c.id).
			Str("type", msg.Type).
			Msg("unknown inbound message type")
	}
}

// writePump drains the send buffer to the socket and keeps the transport
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
