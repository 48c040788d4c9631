package session

import "errors"

var (
	// ErrInvalidUserID is returned by Connect for an empty user id.
	ErrInvalidUserID = errors.New("user id must be a non-empty string")

	// ErrNotConnected is returned for operations that need an active
	// transport when there is none.
	ErrNotConnected = errors.New("not connected to the relay")

	// ErrNotInRoom is returned by UpdateTime when no room is joined.
	ErrNotInRoom = errors.New("not in a room")

	// ErrJoinTimeout is returned when the relay does not answer a join
	// request within the bound.
	ErrJoinTimeout = errors.New("join room timed out")

	// ErrClosed is returned by operations on a disconnected manager.
	ErrClosed = errors.New("session manager is closed")

	errJoinSuperseded = errors.New("join superseded by a newer join request")
)
