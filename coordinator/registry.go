package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/polycore/runtime/session"
)

// Registry is the session table a coordinator owns exclusively (§4.7,
// §5): adding, removing, and snapshotting sessions. Grounded on
// node/p2p_runtime.go's PeerManager.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session table.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s under its ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops the session with the given ID, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session with the given ID, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the (id, state) of every session currently registered.
type SessionSnapshot struct {
	ID    string
	State session.State
}

func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, SessionSnapshot{ID: id, State: s.State()})
	}
	return out
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown transitions every registered session toward SHUTDOWN and closes
// its connection, generalizing node/p2p_runtime.go's "close all peer
// conns" teardown to "drain all coordinator sessions" within deadline. It
// is idempotent: sessions already closed are simply skipped.
func (r *Registry) Shutdown(ctx context.Context, deadline time.Duration) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range all {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_ = s.Close()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}
