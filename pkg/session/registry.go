package session

import (
	"errors"
	"sync"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// Registry maps chat IDs to coordinators, creating them lazily. The mutex
// guards the map only; coordinators synchronize themselves.
type Registry struct {
	mu     sync.Mutex
	coords map[string]*Coordinator
	create func(chatID string) *Coordinator
}

// NewRegistry creates a registry that builds coordinators with create.
func NewRegistry(create func(chatID string) *Coordinator) *Registry {
	return &Registry{
		coords: make(map[string]*Coordinator),
		create: create,
	}
}

// Get returns the coordinator for chatID, creating it on first use.
func (r *Registry) Get(chatID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[chatID]
	if !ok {
		c = r.create(chatID)
		r.coords[chatID] = c
	}
	return c
}

// Lookup returns the coordinator for chatID without creating one.
func (r *Registry) Lookup(chatID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[chatID]
	return c, ok
}

// All returns a snapshot of every coordinator.
func (r *Registry) All() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		out = append(out, c)
	}
	return out
}

// Len returns the number of coordinators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coords)
}

// Evict drops coordinators that have been idle with no subscribers for at
// least idleFor and returns how many were dropped. Recreating one later is
// side-effect free.
func (r *Registry) Evict(idleFor time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, c := range r.coords {
		since, idle := c.idleSince()
		if !idle || now.Sub(since) < idleFor {
			continue
		}
		if c.retire() {
			delete(r.coords, id)
			evicted++
		}
	}
	return evicted
}

// Drain removes every coordinator and returns them.
func (r *Registry) Drain() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.coords))
	for id, c := range r.coords {
		out = append(out, c)
		delete(r.coords, id)
	}
	return out
}

// with runs fn against the chat's coordinator, retrying with a fresh one if
// the coordinator it got was evicted concurrently.
func with[T any](r *Registry, chatID string, fn func(*Coordinator) (T, error)) (T, error) {
	for {
		v, err := fn(r.Get(chatID))
		if errors.Is(err, errRetired) || errors.Is(err, stream.ErrClosed) {
			continue
		}
		return v, err
	}
}
