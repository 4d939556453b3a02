package session

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned for unknown or already-dropped session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicate is returned when an ID is already registered.
	ErrDuplicate = errors.New("session already registered")
)

// Registry is the concurrency-safe owner of all sessions.
type Registry struct {
	store Store
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore plugs in a different Store implementation.
func WithStore(st Store) Option {
	return func(r *Registry) { r.store = st }
}

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a registry backed by a ShardedStore.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{store: NewShardedStore(0), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session in state Created under a fresh ID.
func (r *Registry) Create(kind Kind) (*Session, error) {
	return r.CreateWithID(NewID(), kind)
}

// CreateWithID registers a session under id, rejecting duplicates.
func (r *Registry) CreateWithID(id ID, kind Kind) (*Session, error) {
	s := newSession(id, kind, r.now)
	if !r.store.PutIfAbsent(s) {
		return nil, fmt.Errorf("%s: %w", id, ErrDuplicate)
	}
	return s, nil
}

// Get returns the session for id.
func (r *Registry) Get(id ID) (*Session, error) {
	s, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Snapshot returns a copy of the session's current state.
func (r *Registry) Snapshot(id ID) (Snapshot, error) {
	s, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Delete drops the session record. Callers reclaim temp resources first.
func (r *Registry) Delete(id ID) {
	r.store.Delete(id)
}

// Range visits every registered session.
func (r *Registry) Range(fn func(*Session) bool) {
	r.store.Range(fn)
}

// Has reports whether id is registered; the GC uses it to spot orphaned
// temp resources.
func (r *Registry) Has(id ID) bool {
	_, ok := r.store.Get(id)
	return ok
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	n := 0
	r.store.Range(func(s *Session) bool {
		if !s.State().Terminal() {
			n++
		}
		return true
	})
	return n
}

// Active returns snapshots of non-terminal sessions, oldest first.
func (r *Registry) Active() []Snapshot {
	var out []Snapshot
	r.store.Range(func(s *Session) bool {
		if snap := s.Snapshot(); !snap.State.Terminal() {
			out = append(out, snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered sessions, terminal ones included.
func (r *Registry) Len() int {
	return r.store.Len()
}
