// Package session owns one logical connection to the relay on behalf of a
// consumer: identity, current room, bounded reconnection, heartbeat
// cadence, and minimal state persisted across restarts.
//
// All session fields live on a single event loop goroutine. Public methods
// post commands to the loop; JoinRoom is the only blocking operation and is
// always settled by a response, an error, or its timeout.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chronoshare/collab/internal/protocol"
)

const (
	maxReconnectAttempts = 5
	reconnectDelay       = 2000 * time.Millisecond
	heartbeatInterval    = 30 * time.Second
	joinTimeout          = 5 * time.Second
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event names observable through On/Off.
type Event string

const (
	EventUserJoin   Event = "userJoin"
	EventUserLeave  Event = "userLeave"
	EventTimeUpdate Event = "timeUpdate"
	EventRoomUsers  Event = "roomUsers"
	EventError      Event = "error"
)

// Handler receives a decoded payload for a subscribed event. Handlers run
// on the session's event loop and must not block or call back into the
// Manager synchronously.
type Handler func(msg protocol.Message)

// Config configures a Manager. Zero-value fields get production defaults.
type Config struct {
	// URL of the relay's websocket endpoint.
	URL string

	// Dialer establishes transports; nil means websocket.
	Dialer Dialer

	// Store persists session state across restarts; nil disables
	// persistence.
	Store Store

	// Clock drives every timer. Nil means clockwork.NewRealClock();
	// tests pass a FakeClock.
	Clock clockwork.Clock
}

type pendingJoin struct {
	roomID string
	done   chan error
	timer  clockwork.Timer
}

// Manager is the client-side session manager.
type Manager struct {
	url    string
	dialer Dialer
	store  Store
	clock  clockwork.Clock

	cmds chan func()
	quit chan struct{}

	// Fields below are owned by the event loop.
	state               ConnState
	userID              string
	roomID              string
	attempts            int
	closing             bool
	transport           Transport
	handlers            map[Event]Handler
	pendingJoin         *pendingJoin
	heartbeatStop       chan struct{}
	reconnectTimer      clockwork.Timer
	lastHeartbeatSentAt time.Time
}

// New creates a Manager and restores any fresh persisted session state.
func New(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	m := &Manager{
		url:      cfg.URL,
		dialer:   cfg.Dialer,
		store:    cfg.Store,
		clock:    cfg.Clock,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		handlers: make(map[Event]Handler),
	}
	if m.store != nil {
		if state, ok := m.store.Load(); ok {
			m.roomID = state.RoomID
			m.userID = state.UserID
			log.Info().
				Str("room_id", state.RoomID).
				Str("user_id", state.UserID).
				Msg("restored session state")
		}
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

// do posts a command to the event loop.
func (m *Manager) do(fn func()) error {
	select {
	case m.cmds <- fn:
		return nil
	case <-m.quit:
		return ErrClosed
	}
}

// doSync posts a command and waits for it to run.
func (m *Manager) doSync(fn func()) error {
	done := make(chan struct{})
	if err := m.do(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Connect establishes the transport with bounded automatic reconnection
// and starts the heartbeat once connected. It returns immediately after
// validation; transport-level failures surface through the error event
// channel once retries are exhausted.
func (m *Manager) Connect(userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	return m.doSync(func() {
		m.userID = userID
		m.closing = false
		m.attempts = 0
		m.state = StateConnecting
		if m.transport != nil {
			m.transport.Close()
			m.transport = nil
		}
		m.startConnect()
	})
}

// JoinRoom sends a join request and waits for the correlated membership
// snapshot, a relay error, or the timeout. The one-shot wait is always
// deregistered afterwards, whatever the outcome.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	if err := protocol.ValidateRoomID(roomID); err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := m.do(func() { m.beginJoin(roomID, done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.do(func() {
			if m.pendingJoin != nil && m.pendingJoin.done == done {
				m.settleJoin(m.pendingJoin, ctx.Err())
			}
		})
		return ctx.Err()
	}
}

func (m *Manager) beginJoin(roomID string, done chan error) {
	if m.transport == nil {
		done <- ErrNotConnected
		return
	}
	if m.pendingJoin != nil {
		m.settleJoin(m.pendingJoin, errJoinSuperseded)
	}
	pj := &pendingJoin{roomID: roomID, done: done}
	pj.timer = m.clock.AfterFunc(joinTimeout, func() {
		m.do(func() { m.settleJoin(pj, ErrJoinTimeout) })
	})
	m.pendingJoin = pj
	m.send(&protocol.JoinRoom{RoomID: roomID, UserID: m.userID})
}

// settleJoin resolves the pending join exactly once and tears down its
// timer. Settling with nil records the room, persists state, and
// (re)starts the heartbeat.
func (m *Manager) settleJoin(pj *pendingJoin, err error) {
	if pj == nil || m.pendingJoin != pj {
		return
	}
	pj.timer.Stop()
	m.pendingJoin = nil
	if err == nil {
		m.roomID = pj.roomID
		m.saveState()
		m.startHeartbeat()
	}
	pj.done <- err
}

// LeaveRoom leaves the current room. It is a no-op when not in a room.
func (m *Manager) LeaveRoom() error {
	err := m.doSync(func() {
		if m.roomID == "" {
			return
		}
		m.send(&protocol.LeaveRoom{RoomID: m.roomID, UserID: m.userID})
		m.roomID = ""
		m.stopHeartbeat()
		m.saveState()
	})
	if err == ErrClosed {
		return nil
	}
	return err
}

// UpdateTime publishes a clock value to the current room, fire-and-forget.
func (m *Manager) UpdateTime(t time.Time) error {
	result := make(chan error, 1)
	if err := m.do(func() {
		switch {
		case m.transport == nil:
			result <- ErrNotConnected
		case m.roomID == "":
			result <- ErrNotInRoom
		default:
			m.send(&protocol.UpdateTime{
				RoomID: m.roomID,
				UserID: m.userID,
				Time:   t.Format(time.RFC3339Nano),
			})
			result <- nil
		}
	}); err != nil {
		return err
	}
	return <-result
}

// On subscribes handler to an event name, replacing any previous handler
// for that name.
func (m *Manager) On(event Event, handler Handler) {
	m.doSync(func() { m.handlers[event] = handler })
}

// Off removes the handler for an event name.
func (m *Manager) Off(event Event) {
	m.doSync(func() { delete(m.handlers, event) })
}

// Disconnect stops the heartbeat, settles any pending join, drops all
// listeners, closes the transport, clears session fields and persisted
// state, and shuts the manager down. A Manager is single-use; create a new
// one to connect again. Calling Disconnect twice is harmless.
func (m *Manager) Disconnect() error {
	err := m.doSync(func() {
		m.closing = true
		m.settleJoin(m.pendingJoin, ErrClosed)
		m.stopHeartbeat()
		m.stopReconnectTimer()
		m.handlers = make(map[Event]Handler)
		if m.transport != nil {
			m.transport.Close()
			m.transport = nil
		}
		m.roomID = ""
		m.userID = ""
		m.attempts = 0
		m.state = StateIdle
		if m.store != nil {
			if err := m.store.Clear(); err != nil {
				log.Warn().Err(err).Msg("failed to clear session state")
			}
		}
		close(m.quit)
	})
	if err == ErrClosed {
		return nil
	}
	return err
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	var state ConnState
	if err := m.doSync(func() { state = m.state }); err != nil {
		return StateIdle
	}
	return state
}

// RoomID returns the currently joined room, or "".
func (m *Manager) RoomID() string {
	var roomID string
	m.doSync(func() { roomID = m.roomID })
	return roomID
}

// UserID returns the identity bound by Connect (or restored state).
func (m *Manager) UserID() string {
	var userID string
	m.doSync(func() { userID = m.userID })
	return userID
}

// startConnect dials off-loop and posts the outcome back.
func (m *Manager) startConnect() {
	go func() {
		t, err := m.dialer.Dial(context.Background(), m.url)
		if derr := m.do(func() { m.finishConnect(t, err) }); derr != nil && t != nil {
			t.Close()
		}
	}()
}

func (m *Manager) finishConnect(t Transport, err error) {
	if m.closing {
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Int("attempts", m.attempts).Msg("connection attempt failed")
		m.scheduleReconnect()
		return
	}

	m.transport = t
	m.state = StateConnected
	m.attempts = 0
	go m.readLoop(t)

	m.send(&protocol.Join{UserID: m.userID})
	m.startHeartbeat()
	m.saveState()

	if m.roomID != "" {
		// Rejoin the previous room; the relay treats this as a no-op
		// set add plus a fresh membership broadcast. If the room was
		// deleted while we were away it is recreated with this client
		// as sole member.
		m.send(&protocol.JoinRoom{RoomID: m.roomID, UserID: m.userID})
	}
	log.Info().Str("user_id", m.userID).Msg("connected to relay")
}

func (m *Manager) scheduleReconnect() {
	if m.attempts >= maxReconnectAttempts {
		m.state = StateFailed
		log.Error().Int("attempts", m.attempts).Msg("reconnection attempts exhausted")
		m.emit(EventError, &protocol.Error{
			Message: fmt.Sprintf("unable to reach the relay after %d attempts", m.attempts),
		})
		return
	}
	m.attempts++
	m.state = StateReconnecting
	m.stopReconnectTimer()
	m.reconnectTimer = m.clock.AfterFunc(reconnectDelay, func() {
		m.do(func() {
			m.reconnectTimer = nil
			if m.closing || m.state != StateReconnecting {
				return
			}
			m.startConnect()
		})
	})
}

func (m *Manager) stopReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// readLoop pushes inbound frames onto the event loop until the transport
// fails or the manager shuts down.
func (m *Manager) readLoop(t Transport) {
	for {
		raw, err := t.ReadMessage()
		if err != nil {
			m.do(func() { m.handleTransportError(t, err) })
			return
		}
		frame := raw
		if m.do(func() { m.handleInbound(t, frame) }) != nil {
			return
		}
	}
}

func (m *Manager) handleTransportError(t Transport, err error) {
	if t != m.transport {
		return // stale transport
	}
	m.transport = nil
	m.stopHeartbeat()
	if m.closing {
		return
	}
	log.Warn().Err(err).Msg("transport lost")
	m.scheduleReconnect()
}

func (m *Manager) handleInbound(t Transport, raw []byte) {
	if t != m.transport {
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	switch p := msg.(type) {
	case *protocol.RoomUsers:
		m.settleJoin(m.pendingJoin, nil)
		m.emit(EventRoomUsers, p)
	case *protocol.UserJoin:
		m.emit(EventUserJoin, p)
	case *protocol.UserLeave:
		m.emit(EventUserLeave, p)
	case *protocol.TimeUpdate:
		m.emit(EventTimeUpdate, p)
	case *protocol.HeartbeatAck:
		if p.Status == protocol.HeartbeatError {
			log.Warn().Msg("heartbeat rejected, reconnecting")
			m.reconnectNow()
		}
	case *protocol.Error:
		// While a join is pending, a relay error settles it with the
		// server-supplied reason; otherwise it is informational.
		if m.pendingJoin != nil {
			m.settleJoin(m.pendingJoin, fmt.Errorf("relay: %s", p.Message))
			return
		}
		m.emit(EventError, p)
	default:
		log.Debug().Str("event", string(msg.EventType())).Msg("ignoring unexpected event")
	}
}

// reconnectNow drops the current transport and enters the reconnection
// path, used when the relay signals stale session state.
func (m *Manager) reconnectNow() {
	if m.closing {
		return
	}
	if m.transport != nil {
		t := m.transport
		m.transport = nil
		t.Close()
	}
	m.stopHeartbeat()
	m.scheduleReconnect()
}

func (m *Manager) startHeartbeat() {
	m.stopHeartbeat()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	ticker := m.clock.NewTicker(heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.quit:
				return
			case <-ticker.Chan():
				m.do(func() { m.sendHeartbeat() })
			}
		}
	}()
}

// stopHeartbeat is idempotent; stopping an already-stopped heartbeat is a
// no-op.
func (m *Manager) stopHeartbeat() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) sendHeartbeat() {
	if m.transport == nil || m.state != StateConnected {
		return
	}
	m.lastHeartbeatSentAt = m.clock.Now()
	m.send(&protocol.Heartbeat{
		UserID:    m.userID,
		RoomID:    m.roomID,
		Timestamp: m.lastHeartbeatSentAt.UnixMilli(),
	})
}

func (m *Manager) send(msg protocol.Message) {
	if m.transport == nil {
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode message")
		return
	}
	if err := m.transport.WriteMessage(frame); err != nil {
		// The read loop observes the same failure and drives
		// reconnection.
		log.Warn().Err(err).Str("event", string(msg.EventType())).Msg("failed to send message")
	}
}

func (m *Manager) emit(event Event, msg protocol.Message) {
	if handler, ok := m.handlers[event]; ok {
		handler(msg)
	}
}

func (m *Manager) saveState() {
	if m.store == nil {
		return
	}
	if m.roomID == "" || m.userID == "" {
		if err := m.store.Clear(); err != nil {
			log.Warn().Err(err).Msg("failed to clear session state")
		}
		return
	}
	err := m.store.Save(State{
		RoomID:    m.roomID,
		UserID:    m.userID,
		Timestamp: m.clock.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to save session state")
	}
}
