// Package relay fans overlay messages out to connected display clients. A
// Watcher reads inserts from the message change feed, and a Relay delivers
// each one to every Subscriber currently held in a Registry.
package relay

import (
	"context"
	"sync"

	"github.com/deRockerTom/twitch-bot/telemetry"
)

// Subscriber is one live connection to a display client. Send must be safe to
// call concurrently with the transport's own read loop and must respect ctx.
type Subscriber interface {
	Send(ctx context.Context, payload []byte) error
}

// Member is one registration in a Registry. The registry keys on the Member,
// never on the Subscriber, so any Subscriber implementation is accepted,
// including func and slice types that cannot be compared.
type Member struct {
	Subscriber
}

// Registry is the set of subscribers considered open by the transport.
// It is process-local and never persisted.
type Registry struct {
	mu      sync.RWMutex
	members map[*Member]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[*Member]struct{})}
}

// Add registers s and returns its membership; s receives every broadcast
// started after Add returns. Adding the same subscriber twice yields two
// members.
func (r *Registry) Add(s Subscriber) *Member {
	m := &Member{Subscriber: s}
	r.mu.Lock()
	r.members[m] = struct{}{}
	n := len(r.members)
	r.mu.Unlock()
	telemetry.SetSubscribers(n)
	return m
}

// Remove deregisters m. Removing an unknown or nil member is a no-op.
func (r *Registry) Remove(m *Member) bool {
	r.mu.Lock()
	_, ok := r.members[m]
	delete(r.members, m)
	n := len(r.members)
	r.mu.Unlock()
	if ok {
		telemetry.SetSubscribers(n)
	}
	return ok
}

// Snapshot returns a copy of the current membership, safe to range over while
// other goroutines Add or Remove.
func (r *Registry) Snapshot() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	return out
}

// Contains reports whether m is registered.
func (r *Registry) Contains(m *Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[m]
	return ok
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
