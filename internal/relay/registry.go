// Package relay is the rendezvous server peers use when they cannot reach
// each other directly: it hands out identities and switches frames between
// the websockets that hold them.
package relay

import (
	"context"
	"sync"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/jonboulle/clockwork"
)

// Registry reserves identities. A reservation keeps an identity out of other
// hands until it expires or is released.
type Registry interface {
	// Reserve fails with transport.ErrIdentityTaken while id is held.
	Reserve(ctx context.Context, id string, ttl time.Duration) error
	Release(ctx context.Context, id string) error
}

type MemoryRegistry struct {
	clock clockwork.Clock

	mu   sync.Mutex
	held map[string]time.Time // id -> expiry
}

func NewMemoryRegistry(clock clockwork.Clock) *MemoryRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRegistry{
		clock: clock,
		held:  make(map[string]time.Time),
	}
}

func (r *MemoryRegistry) Reserve(_ context.Context, id string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if exp, ok := r.held[id]; ok && now.Before(exp) {
		return transport.ErrIdentityTaken
	}
	r.held[id] = now.Add(ttl)
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
	return nil
}
