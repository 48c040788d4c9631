// Package ratelimit implements a per-client sliding-window request gate.
// The relay consults it before admitting a new connection.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultWindow is the span of the sliding window.
	DefaultWindow = 60 * time.Second
	// DefaultMaxRequests is the number of requests allowed per window.
	DefaultMaxRequests = 100
)

// Limiter tracks request timestamps per client id within a sliding window.
// Safe for concurrent use; admission checks run on HTTP handler goroutines.
type Limiter struct {
	window time.Duration
	max    int
	clock  clockwork.Clock

	mu      sync.Mutex
	clients map[string][]time.Time
}

// New creates a limiter with the given window and per-window request cap.
// In production, pass clockwork.NewRealClock(). In tests, a FakeClock.
func New(window time.Duration, max int, clock clockwork.Clock) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		clock:   clock,
		clients: make(map[string][]time.Time),
	}
}

// NewDefault creates a limiter with the default 60s/100 policy.
func NewDefault() *Limiter {
	return New(DefaultWindow, DefaultMaxRequests, clockwork.NewRealClock())
}

// Limited reports whether clientID has exhausted its window. A limited call
// is not recorded; an allowed call records the current timestamp.
func (l *Limiter) Limited(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweep(now)

	requests := l.clients[clientID]
	if len(requests) >= l.max {
		return true
	}
	l.clients[clientID] = append(requests, now)
	return false
}

// sweep prunes expired timestamps for every tracked client and evicts
// clients left with none. Pruning in bulk here bounds memory growth from
// abandoned clients.
func (l *Limiter) sweep(now time.Time) {
	for clientID, requests := range l.clients {
		kept := requests[:0]
		for _, ts := range requests {
			if now.Sub(ts) < l.window {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.clients, clientID)
			continue
		}
		l.clients[clientID] = kept
	}
}

// tracked returns the number of clients currently holding timestamps.
func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
