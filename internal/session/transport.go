package session

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport is a single bidirectional connection to the relay. The session
// manager reads and writes raw frames; decoding happens on its event loop.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes transports. Injected so tests can substitute an
// in-memory implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the relay over websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer using gorilla's defaults.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	sock, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	return &wsTransport{sock: sock}, nil
}

type wsTransport struct {
	sock *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.sock.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.sock.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.sock.Close()
}
