package metacache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"media-gateway/internal/media"
)

// Entry is one resolved source.
type Entry struct {
	SourceKey   string             `json:"source_key"`
	Descriptors []media.Descriptor `json:"descriptors"`
	ResolvedAt  time.Time          `json:"resolved_at"`
	TTL         time.Duration      `json:"ttl"`
}

// ExpiresAt is the earlier of resolved_at+ttl and the first descriptor
// expiry, since an entry whose upstream URLs have lapsed is useless.
func (e Entry) ExpiresAt() time.Time {
	exp := e.ResolvedAt.Add(e.TTL)
	for _, d := range e.Descriptors {
		if !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(exp) {
			exp = d.ExpiresAt
		}
	}
	return exp
}

// Expired reports whether the entry must not be served at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Store holds cache entries. Implementations are safe for concurrent use and
// atomic per key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpired drops entries expired at now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a sharded in-process Store.
type MemoryStore struct {
	shards []*memShard
}

type memShard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty store with 16 shards.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{shards: make([]*memShard, 16)}
	for i := range s.shards {
		s.shards[i] = &memShard{entries: make(map[string]Entry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get implements Store.Get.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	return e, ok, nil
}

// Set implements Store.Set.
func (s *MemoryStore) Set(_ context.Context, e Entry) error {
	sh := s.shard(e.SourceKey)
	sh.mu.Lock()
	sh.entries[e.SourceKey] = e
	sh.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// DeleteExpired implements Store.DeleteExpired, one shard at a time.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.Expired(now) {
				delete(sh.entries, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
