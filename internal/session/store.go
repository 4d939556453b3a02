package session

import (
	"hash/fnv"
	"sync"
)

// Store is the persistence abstraction for session records.
// The Registry uses Store for all reads and writes; implementations must be
// safe for concurrent use and must not hold a lock across the whole store.
type Store interface {
	Get(id ID) (*Session, bool)
	// PutIfAbsent stores s unless its ID is taken; it reports success.
	PutIfAbsent(s *Session) bool
	Delete(id ID)
	// Range calls fn for each session until fn returns false. Sessions
	// inserted or deleted during Range may or may not be visited.
	Range(fn func(*Session) bool)
	Len() int
}

const defaultShards = 32

// ShardedStore is an in-memory Store split into independently locked shards
// so concurrent handlers for different sessions never contend on one lock.
type ShardedStore struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
}

// NewShardedStore returns an empty store with n shards (default 32 when n <= 0).
func NewShardedStore(n int) *ShardedStore {
	if n <= 0 {
		n = defaultShards
	}
	st := &ShardedStore{shards: make([]*shard, n)}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[ID]*Session)}
	}
	return st
}

func (st *ShardedStore) shardFor(id ID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return st.shards[h.Sum32()%uint32(len(st.shards))]
}

// Get implements Store.Get.
func (st *ShardedStore) Get(id ID) (*Session, bool) {
	sh := st.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// PutIfAbsent implements Store.PutIfAbsent.
func (st *ShardedStore) PutIfAbsent(s *Session) bool {
	sh := st.shardFor(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[s.id]; exists {
		return false
	}
	sh.sessions[s.id] = s
	return true
}

// Delete implements Store.Delete.
func (st *ShardedStore) Delete(id ID) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Range implements Store.Range. Each shard is copied under its read lock and
// visited unlocked, so fn may call back into the store.
func (st *ShardedStore) Range(fn func(*Session) bool) {
	for _, sh := range st.shards {
		sh.mu.RLock()
		batch := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			batch = append(batch, s)
		}
		sh.mu.RUnlock()

		for _, s := range batch {
			if !fn(s) {
				return
			}
		}
	}
}

// Len implements Store.Len.
func (st *ShardedStore) Len() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
