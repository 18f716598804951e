package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxPendingStates = 10000
	oauthStateTTL    = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps     Deps
	ctx      context.Context
	upgrader websocket.Upgrader
	states   *pendingStates
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// checkOrigin vets websocket upgrades; nil accepts every origin.
func NewHandlers(ctx context.Context, d Deps, checkOrigin func(*http.Request) bool) *Handlers {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handlers{
		deps: d,
		ctx:  ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		states: newPendingStates(maxPendingStates, oauthStateTTL),
	}
}

// pendingStates tracks OAuth state values between /start and /callback.
// Each state is accepted once, before it expires.
type pendingStates struct {
	limit int
	ttl   time.Duration

	mu     sync.Mutex
	expiry map[string]time.Time
}

func newPendingStates(limit int, ttl time.Duration) *pendingStates {
	return &pendingStates{limit: limit, ttl: ttl, expiry: make(map[string]time.Time)}
}

// add records state issued at now. It reports false when too many
// authorizations are pending.
func (p *pendingStates) add(state string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.expiry) >= p.limit {
		for s, exp := range p.expiry {
			if now.After(exp) {
				delete(p.expiry, s)
			}
		}
		if len(p.expiry) >= p.limit {
			return false
		}
	}
	p.expiry[state] = now.Add(p.ttl)
	return true
}

// consume forgets state and reports whether it was pending and unexpired.
func (p *pendingStates) consume(state string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.expiry[state]
	delete(p.expiry, state)
	return ok && !now.After(exp)
}
