package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Event names on the wire. These are shared by the relay and the session
// manager and must stay stable across both sides.
type EventType string

const (
	EventJoin         EventType = "join"
	EventJoinRoom     EventType = "joinRoom"
	EventRoomUsers    EventType = "roomUsers"
	EventUserJoin     EventType = "userJoin"
	EventLeaveRoom    EventType = "leaveRoom"
	EventUserLeave    EventType = "userLeave"
	EventUpdateTime   EventType = "updateTime"
	EventTimeUpdate   EventType = "timeUpdate"
	EventHeartbeat    EventType = "heartbeat"
	EventHeartbeatAck EventType = "heartbeat_ack"
	EventError        EventType = "error"
)

// Envelope is the frame every message travels in: an event name plus an
// event-specific payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is the closed set of payload types. Each payload knows its own
// wire event name; dispatch happens through a single typed switch rather
// than a string-keyed handler map.
type Message interface {
	EventType() EventType
}

// Join associates a client-generated identity with the connection.
type Join struct {
	UserID string `json:"userId"`
}

// JoinRoom asks the relay to add the sender to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// RoomUsers is the full membership snapshot sent to a joiner.
type RoomUsers struct {
	Users []string `json:"users"`
}

// UserJoin is broadcast to existing members when someone joins.
type UserJoin struct {
	ID string `json:"id"`
}

// LeaveRoom asks the relay to remove the sender from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// UserLeave is broadcast to remaining members when someone leaves.
type UserLeave struct {
	ID string `json:"id"`
}

// UpdateTime publishes the sender's clock value to its room.
type UpdateTime struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	Time   string `json:"time"`
}

// TimeUpdate is the broadcast form of UpdateTime, sender excluded.
type TimeUpdate struct {
	Time   string `json:"time"`
	UserID string `json:"userId"`
}

// Heartbeat is the periodic liveness signal from a connected client.
type Heartbeat struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck acknowledges a heartbeat. Status "error" tells the client
// its server-side state is stale and it should reconnect.
type HeartbeatAck struct {
	Status string `json:"status"`
}

const (
	HeartbeatOK    = "ok"
	HeartbeatError = "error"
)

// Error is a non-fatal, informational failure notice.
type Error struct {
	Message string `json:"message"`
}

func (Join) EventType() EventType         { return EventJoin }
func (JoinRoom) EventType() EventType     { return EventJoinRoom }
func (RoomUsers) EventType() EventType    { return EventRoomUsers }
func (UserJoin) EventType() EventType     { return EventUserJoin }
func (LeaveRoom) EventType() EventType    { return EventLeaveRoom }
func (UserLeave) EventType() EventType    { return EventUserLeave }
func (UpdateTime) EventType() EventType   { return EventUpdateTime }
func (TimeUpdate) EventType() EventType   { return EventTimeUpdate }
func (Heartbeat) EventType() EventType    { return EventHeartbeat }
func (HeartbeatAck) EventType() EventType { return EventHeartbeatAck }
func (Error) EventType() EventType        { return EventError }

// Encode wraps a payload in an envelope and marshals it for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.EventType(), err)
	}
	return json.Marshal(Envelope{Event: msg.EventType(), Data: data})
}

// Decode unmarshals a wire frame into its typed payload.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return decodePayload(env)
}

func decodePayload(env Envelope) (Message, error) {
	var msg Message
	switch env.Event {
	case EventJoin:
		msg = &Join{}
	case EventJoinRoom:
		msg = &JoinRoom{}
	case EventRoomUsers:
		msg = &RoomUsers{}
	case EventUserJoin:
		msg = &UserJoin{}
	case EventLeaveRoom:
		msg = &LeaveRoom{}
	case EventUserLeave:
		msg = &UserLeave{}
	case EventUpdateTime:
		msg = &UpdateTime{}
	case EventTimeUpdate:
		msg = &TimeUpdate{}
	case EventHeartbeat:
		msg = &Heartbeat{}
	case EventHeartbeatAck:
		msg = &HeartbeatAck{}
	case EventError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Event)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Event, err)
		}
	}
	return msg, nil
}

// ErrInvalidRoomID is returned when a room id fails validation.
var ErrInvalidRoomID = errors.New("room id must be 3-20 characters of letters, numbers, hyphens, and underscores")

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// ValidateRoomID checks a room id against the shared pattern. Both sides
// validate: the client before any network call, the relay so malformed ids
// are rejected instead of crashing a handler.
func ValidateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return ErrInvalidRoomID
	}
	return nil
}
