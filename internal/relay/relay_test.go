package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoshare/collab/internal/protocol"
	"github.com/chronoshare/collab/internal/ratelimit"
)

type relayFixture struct {
	relay  *Relay
	server *httptest.Server
	clock  *clockwork.FakeClock
}

func startRelay(t *testing.T, limiter *ratelimit.Limiter) *relayFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := New(DefaultConfig(), limiter, clock)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	mux := http.NewServeMux()
	r.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &relayFixture{relay: r, server: server, clock: clock}
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "expected no message")
}

// enter identifies the connection and joins it to a room, consuming the
// roomUsers reply.
func enter(t *testing.T, ws *websocket.Conn, userID, roomID string) *protocol.RoomUsers {
	t.Helper()
	send(t, ws, &protocol.Join{UserID: userID})
	send(t, ws, &protocol.JoinRoom{RoomID: roomID})
	msg := recv(t, ws)
	users, ok := msg.(*protocol.RoomUsers)
	require.True(t, ok, "expected roomUsers, got %T", msg)
	return users
}

func TestJoinLeaveScenario(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	users := enter(t, a, "alice", "abc-123")
	assert.Equal(t, []string{"alice"}, users.Users)

	b := f.dial(t)
	users = enter(t, b, "bob", "abc-123")
	assert.ElementsMatch(t, []string{"alice", "bob"}, users.Users)

	// A hears about B's join.
	msg := recv(t, a)
	join, ok := msg.(*protocol.UserJoin)
	require.True(t, ok, "expected userJoin, got %T", msg)
	assert.Equal(t, "bob", join.ID)

	// B leaves; A hears it, the room survives with A in it.
	send(t, b, &protocol.LeaveRoom{RoomID: "abc-123"})
	msg = recv(t, a)
	leave, ok := msg.(*protocol.UserLeave)
	require.True(t, ok, "expected userLeave, got %T", msg)
	assert.Equal(t, "bob", leave.ID)

	stats, err := f.relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rooms)

	// A leaves too; the room is deleted.
	send(t, a, &protocol.LeaveRoom{RoomID: "abc-123"})
	require.Eventually(t, func() bool {
		stats, err := f.relay.Stats(context.Background())
		return err == nil && stats.Rooms == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdempotentRejoin(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	enter(t, a, "alice", "abc-123")

	b := f.dial(t)
	enter(t, b, "bob", "abc-123")
	recv(t, a) // userJoin bob

	// A rejoins: membership stays a set, others still get the broadcast.
	send(t, a, &protocol.JoinRoom{RoomID: "abc-123"})
	msg := recv(t, a)
	users, ok := msg.(*protocol.RoomUsers)
	require.True(t, ok, "expected roomUsers, got %T", msg)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users.Users)

	msg = recv(t, b)
	join, ok := msg.(*protocol.UserJoin)
	require.True(t, ok, "expected userJoin, got %T", msg)
	assert.Equal(t, "alice", join.ID)
}

func TestDisconnectCleansEveryRoom(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	send(t, a, &protocol.Join{UserID: "alice"})
	send(t, a, &protocol.JoinRoom{RoomID: "room-one"})
	recv(t, a)
	send(t, a, &protocol.JoinRoom{RoomID: "room-two"})
	recv(t, a)

	b := f.dial(t)
	enter(t, b, "bob", "room-one")
	recv(t, a) // userJoin bob

	a.Close()

	// B hears the leave; room-two (alice alone) is deleted.
	msg := recv(t, b)
	leave, ok := msg.(*protocol.UserLeave)
	require.True(t, ok, "expected userLeave, got %T", msg)
	assert.Equal(t, "alice", leave.ID)

	require.Eventually(t, func() bool {
		stats, err := f.relay.Stats(context.Background())
		return err == nil && stats.Rooms == 1 && stats.Connections == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateTimeThrottle(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	enter(t, a, "alice", "abc-123")
	b := f.dial(t)
	enter(t, b, "bob", "abc-123")
	recv(t, a) // userJoin bob

	send(t, a, &protocol.UpdateTime{RoomID: "abc-123", Time: "10:00:00.000"})
	msg := recv(t, b)
	update, ok := msg.(*protocol.TimeUpdate)
	require.True(t, ok, "expected timeUpdate, got %T", msg)
	assert.Equal(t, "alice", update.UserID)
	assert.Equal(t, "10:00:00.000", update.Time)

	// Second update inside the 100ms window is dropped; after the window
	// passes the third flows, so the next frame B sees skips the second.
	// The heartbeat round-trip pins processing order before the clock
	// moves: frames from one connection are handled in arrival order.
	send(t, a, &protocol.UpdateTime{RoomID: "abc-123", Time: "10:00:00.050"})
	send(t, a, &protocol.Heartbeat{UserID: "alice", RoomID: "abc-123", Timestamp: 1})
	_, ok = recv(t, a).(*protocol.HeartbeatAck)
	require.True(t, ok)
	f.clock.Advance(150 * time.Millisecond)
	send(t, a, &protocol.UpdateTime{RoomID: "abc-123", Time: "10:00:00.200"})
	msg = recv(t, b)
	update, ok = msg.(*protocol.TimeUpdate)
	require.True(t, ok, "expected timeUpdate, got %T", msg)
	assert.Equal(t, "10:00:00.200", update.Time)
}

func TestUpdateTimeNotEchoedToSender(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	enter(t, a, "alice", "abc-123")
	b := f.dial(t)
	enter(t, b, "bob", "abc-123")
	recv(t, a) // userJoin bob

	send(t, b, &protocol.UpdateTime{RoomID: "abc-123", Time: "11:11:11"})
	recv(t, a)
	expectSilence(t, b)
}

func TestMalformedRoomIDRejected(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	send(t, a, &protocol.Join{UserID: "alice"})
	send(t, a, &protocol.JoinRoom{RoomID: "x"})

	msg := recv(t, a)
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", msg)
	assert.Contains(t, errMsg.Message, "room id")

	// The relay is still alive and usable.
	send(t, a, &protocol.JoinRoom{RoomID: "abc-123"})
	_, ok = recv(t, a).(*protocol.RoomUsers)
	assert.True(t, ok)
}

func TestJoinRoomWithoutIdentity(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	send(t, a, &protocol.JoinRoom{RoomID: "abc-123"})
	_, ok := recv(t, a).(*protocol.Error)
	assert.True(t, ok)
}

func TestUndecodableFrame(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, ok := recv(t, a).(*protocol.Error)
	assert.True(t, ok)
}

func TestHeartbeatAck(t *testing.T) {
	f := startRelay(t, nil)

	a := f.dial(t)
	users := enter(t, a, "alice", "abc-123")
	require.Equal(t, []string{"alice"}, users.Users)

	send(t, a, &protocol.Heartbeat{UserID: "alice", RoomID: "abc-123", Timestamp: 1})
	ack, ok := recv(t, a).(*protocol.HeartbeatAck)
	require.True(t, ok)
	assert.Equal(t, protocol.HeartbeatOK, ack.Status)

	// A heartbeat naming a room we are not in signals stale state.
	send(t, a, &protocol.Heartbeat{UserID: "alice", RoomID: "other-room", Timestamp: 2})
	ack, ok = recv(t, a).(*protocol.HeartbeatAck)
	require.True(t, ok)
	assert.Equal(t, protocol.HeartbeatError, ack.Status)

	// Roomless heartbeats are always fine.
	send(t, a, &protocol.Heartbeat{UserID: "alice", Timestamp: 3})
	ack, ok = recv(t, a).(*protocol.HeartbeatAck)
	require.True(t, ok)
	assert.Equal(t, protocol.HeartbeatOK, ack.Status)
}

func TestLateFrameAfterDisconnectDropped(t *testing.T) {
	r := New(DefaultConfig(), nil, clockwork.NewFakeClock())

	c := &conn{id: "late", send: make(chan []byte, 4), relay: r, rooms: make(map[string]struct{})}
	r.handleRegister(c)

	frame := func(msg protocol.Message) inboundFrame {
		raw, err := protocol.Encode(msg)
		require.NoError(t, err)
		return inboundFrame{conn: c, raw: raw}
	}
	r.dispatch(frame(&protocol.Join{UserID: "alice"}))
	r.dispatch(frame(&protocol.JoinRoom{RoomID: "abc-123"}))

	// The read pump queues inbound frames before signaling unregister, so
	// the run loop can unregister a connection while its frames are still
	// buffered. Those frames must be dropped, not dispatched into the now
	// closed send channel.
	r.handleDisconnect(c)
	require.NotPanics(t, func() {
		r.dispatch(frame(&protocol.UpdateTime{RoomID: "abc-123", Time: "10:00:00"}))
		r.dispatch(frame(&protocol.Heartbeat{UserID: "alice", RoomID: "abc-123", Timestamp: 1}))
		r.dispatch(inboundFrame{conn: c, raw: []byte("not json")})
	})
	assert.Equal(t, 0, r.registry.Len())
	assert.Empty(t, r.conns)
}

func TestAdmissionRateLimit(t *testing.T) {
	limiter := ratelimit.New(60*time.Second, 1, clockwork.NewFakeClock())
	f := startRelay(t, limiter)

	first := f.dial(t)
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestNonGETRejected(t *testing.T) {
	f := startRelay(t, nil)

	resp, err := http.Post(f.server.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
