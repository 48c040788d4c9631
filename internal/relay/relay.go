// Package relay brokers room membership and time-update broadcast between
// connected clients. Every inbound frame is processed to completion on a
// single run loop goroutine, which exclusively owns the room registry and
// all per-connection protocol state.
package relay

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chronoshare/collab/internal/protocol"
	"github.com/chronoshare/collab/internal/ratelimit"
)

// inboundFrame is a raw frame read from a connection, awaiting dispatch.
type inboundFrame struct {
	conn *conn
	raw  []byte
}

// Stats is a snapshot of relay occupancy.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Relay accepts connections, enforces admission rate limiting, maintains
// the room registry, and fans out membership and time-update events.
type Relay struct {
	config   Config
	registry *Registry
	limiter  *ratelimit.Limiter
	clock    clockwork.Clock
	upgrader websocket.Upgrader

	register   chan *conn
	unregister chan *conn
	inbound    chan inboundFrame
	statsCh    chan chan Stats

	// Owned by the run loop.
	conns     map[*conn]struct{}
	roomConns map[string]map[*conn]struct{}
}

// New creates a relay. The limiter gates admission; pass nil to disable
// admission control. In production, pass clockwork.NewRealClock().
func New(config Config, limiter *ratelimit.Limiter, clock clockwork.Clock) *Relay {
	return &Relay{
		config:   config,
		registry: NewRegistry(),
		limiter:  limiter,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inboundFrame, 256),
		statsCh:    make(chan chan Stats),
		conns:      make(map[*conn]struct{}),
		roomConns:  make(map[string]map[*conn]struct{}),
	}
}

// Run processes registration, disconnection, and inbound frames until the
// context is cancelled. It must run exactly once per Relay.
func (r *Relay) Run(ctx context.Context) {
	log.Info().Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return
		case c := <-r.register:
			r.handleRegister(c)
		case c := <-r.unregister:
			r.handleDisconnect(c)
		case frame := <-r.inbound:
			r.dispatch(frame)
		case reply := <-r.statsCh:
			reply <- Stats{Connections: len(r.conns), Rooms: r.registry.Len()}
		}
	}
}

// Stats returns a snapshot of relay occupancy.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case r.statsCh <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Relay) handleRegister(c *conn) {
	r.conns[c] = struct{}{}
	log.Debug().
		Str("connection_id", c.id).
		Int("total_connections", len(r.conns)).
		Msg("connection registered")
}

// dispatch decodes a frame and routes it to its handler. A handler fault is
// recovered and degraded to an error event on the originating connection;
// it never takes down the relay or touches other connections.
func (r *Relay) dispatch(frame inboundFrame) {
	// The read pump feeds inbound before signaling unregister, so a frame
	// can sit buffered behind its own connection's unregistration. By then
	// the send channel is closed; late frames are dropped.
	if _, ok := r.conns[frame.conn]; !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Str("connection_id", frame.conn.id).
				Msg("handler fault")
			if _, ok := r.conns[frame.conn]; ok {
				frame.conn.sendMessage(&protocol.Error{Message: "an unexpected error occurred"})
			}
		}
	}()

	msg, err := protocol.Decode(frame.raw)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", frame.conn.id).Msg("dropping undecodable frame")
		frame.conn.sendMessage(&protocol.Error{Message: "malformed message"})
		return
	}

	switch m := msg.(type) {
	case *protocol.Join:
		r.handleJoin(frame.conn, m)
	case *protocol.JoinRoom:
		r.handleJoinRoom(frame.conn, m)
	case *protocol.LeaveRoom:
		r.handleLeaveRoom(frame.conn, m)
	case *protocol.UpdateTime:
		r.handleUpdateTime(frame.conn, m)
	case *protocol.Heartbeat:
		r.handleHeartbeat(frame.conn, m)
	case *protocol.Error:
		log.Warn().
			Str("connection_id", frame.conn.id).
			Str("message", m.Message).
			Msg("client reported error")
	default:
		frame.conn.sendMessage(&protocol.Error{Message: "unsupported event"})
	}
}

func (r *Relay) handleJoin(c *conn, m *protocol.Join) {
	if m.UserID == "" {
		c.sendMessage(&protocol.Error{Message: "user id is required"})
		return
	}
	c.userID = m.UserID
	log.Info().
		Str("connection_id", c.id).
		Str("user_id", c.userID).
		Msg("user joined")
}

func (r *Relay) handleJoinRoom(c *conn, m *protocol.JoinRoom) {
	if err := protocol.ValidateRoomID(m.RoomID); err != nil {
		c.sendMessage(&protocol.Error{Message: err.Error()})
		return
	}
	if c.userID == "" {
		c.sendMessage(&protocol.Error{Message: "identify with join before joining a room"})
		return
	}

	r.registry.Join(m.RoomID, c.userID)
	if r.roomConns[m.RoomID] == nil {
		r.roomConns[m.RoomID] = make(map[*conn]struct{})
	}
	r.roomConns[m.RoomID][c] = struct{}{}
	c.rooms[m.RoomID] = struct{}{}

	// Others hear about the join even when the membership add was a set
	// no-op (rejoin); the joiner always gets the full snapshot so its
	// state is self-consistent even if it missed earlier broadcasts.
	r.broadcastRoom(m.RoomID, c, &protocol.UserJoin{ID: c.userID})
	c.sendMessage(&protocol.RoomUsers{Users: r.registry.Users(m.RoomID)})

	log.Info().
		Str("user_id", c.userID).
		Str("room_id", m.RoomID).
		Msg("user joined room")
}

func (r *Relay) handleLeaveRoom(c *conn, m *protocol.LeaveRoom) {
	r.registry.Leave(m.RoomID, c.userID)
	if members, ok := r.roomConns[m.RoomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.roomConns, m.RoomID)
		}
	}
	delete(c.rooms, m.RoomID)

	r.broadcastRoom(m.RoomID, c, &protocol.UserLeave{ID: c.userID})

	log.Info().
		Str("user_id", c.userID).
		Str("room_id", m.RoomID).
		Msg("user left room")
}

func (r *Relay) handleUpdateTime(c *conn, m *protocol.UpdateTime) {
	// Per-connection throttle, independent of the admission limiter.
	now := r.clock.Now()
	if !c.lastUpdate.IsZero() && now.Sub(c.lastUpdate) < r.config.UpdateMinInterval {
		return
	}
	c.lastUpdate = now

	r.broadcastRoom(m.RoomID, c, &protocol.TimeUpdate{Time: m.Time, UserID: c.userID})
}

func (r *Relay) handleHeartbeat(c *conn, m *protocol.Heartbeat) {
	status := protocol.HeartbeatOK
	// A heartbeat naming a room the registry does not have the user in
	// means the client's view is stale; tell it to reconnect.
	if m.RoomID != "" && !r.registry.Contains(m.RoomID, c.userID) {
		status = protocol.HeartbeatError
	}
	c.sendMessage(&protocol.HeartbeatAck{Status: status})
}

func (r *Relay) handleDisconnect(c *conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)

	for roomID := range c.rooms {
		if members, ok := r.roomConns[roomID]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.roomConns, roomID)
			}
		}
	}
	for _, roomID := range r.registry.RemoveUser(c.userID) {
		r.broadcastRoom(roomID, nil, &protocol.UserLeave{ID: c.userID})
	}

	close(c.send)
	log.Info().
		Str("connection_id", c.id).
		Str("user_id", c.userID).
		Msg("connection unregistered")
}

// broadcastRoom sends a message to every connection in the room except the
// one given. The frame is encoded once.
func (r *Relay) broadcastRoom(roomID string, except *conn, msg protocol.Message) {
	members, ok := r.roomConns[roomID]
	if !ok {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	for c := range members {
		if c == except {
			continue
		}
		c.enqueue(frame)
	}
}
