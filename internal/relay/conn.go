package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chronoshare/collab/internal/protocol"
)

// conn represents one websocket connection to the relay.
type conn struct {
	id    string
	sock  *websocket.Conn
	send  chan []byte
	relay *Relay

	// Fields below are owned by the relay's run loop.
	userID     string
	rooms      map[string]struct{}
	lastUpdate time.Time
}

// enqueue hands an encoded frame to the write pump. A connection that
// cannot keep up is closed rather than allowed to stall the loop.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().
			Str("connection_id", c.id).
			Str("user_id", c.userID).
			Msg("connection send buffer full, closing connection")
		c.sock.Close()
		return false
	}
}

// sendMessage encodes a payload and queues it for this connection.
func (c *conn) sendMessage(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to encode message")
		return
	}
	c.enqueue(frame)
}

// writePump drains the send channel into the websocket and keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.relay.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.relay.config.WriteTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.relay.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to the relay's run loop until the
// connection drops, then triggers unregistration.
func (c *conn) readPump() {
	defer func() {
		c.relay.unregister <- c
		c.sock.Close()
	}()

	c.sock.SetReadLimit(c.relay.config.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.relay.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.relay.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			return
		}
		c.relay.inbound <- inboundFrame{conn: c, raw: frame}
		c.sock.SetReadDeadline(time.Now().Add(c.relay.config.ReadTimeout))
	}
}
