package relay

import (
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServeWS upgrades an HTTP request to a websocket connection and hands it
// to the relay. The admission path accepts GET only and is gated by the
// sliding-window rate limiter, keyed by client address.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.limiter != nil && r.limiter.Limited(clientAddr(req)) {
		http.Error(w, "too many requests, please try again later", http.StatusTooManyRequests)
		return
	}

	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &conn{
		id:    uuid.New().String(),
		sock:  sock,
		send:  make(chan []byte, 256),
		relay: r,
		rooms: make(map[string]struct{}),
	}
	r.register <- c

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("remote_addr", req.RemoteAddr).
		Msg("websocket connection established")
}

// RegisterRoutes mounts the relay's endpoints on the mux.
func (r *Relay) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", r.ServeWS)
}

func clientAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
