package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronoshare/collab/internal/protocol"
)

// fakeTransport is an in-memory Transport the tests drive from the relay's
// side: push injects server frames, expectWritten drains client frames.
type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (ft *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-ft.in:
		return data, nil
	case <-ft.closed:
		return nil, io.ErrClosedPipe
	}
}

func (ft *fakeTransport) WriteMessage(data []byte) error {
	select {
	case ft.out <- data:
		return nil
	case <-ft.closed:
		return io.ErrClosedPipe
	}
}

func (ft *fakeTransport) Close() error {
	ft.closeOnce.Do(func() { close(ft.closed) })
	return nil
}

func (ft *fakeTransport) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	select {
	case ft.in <- frame:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out pushing frame to client")
	}
}

func (ft *fakeTransport) expectWritten(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-ft.out:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

// fakeDialer hands out fakeTransports, or refuses every dial.
type fakeDialer struct {
	failAll bool
	created chan *fakeTransport

	mu    sync.Mutex
	dials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{created: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.failAll {
		return nil, errors.New("connection refused")
	}
	ft := newFakeTransport()
	d.created <- ft
	return ft, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// next returns the transport created by the most recent successful dial.
func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-d.created:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	state State
	saved bool
}

func (s *memStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saved = true
	return nil
}

func (s *memStore) Load() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.saved
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
	s.saved = false
	return nil
}
