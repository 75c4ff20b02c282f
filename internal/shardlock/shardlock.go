// Package shardlock provides per-key serialization without contending a
// single global lock: a fixed number of shards, each guarded by its own
// mutex, selected by hashing the key. The location engine, status engine,
// and watchdog all use the same shard set for one agent so their writes
// interleave safely without blocking unrelated agents.
package shardlock

import (
	"hash/fnv"
	"sync"
)

// Striped is a set of mutexes indexed by a hash of a string key.
type Striped struct {
	shards []sync.Mutex
}

// New returns a Striped lock with the given number of shards. count is
// clamped to at least 1.
func New(count int) *Striped {
	if count < 1 {
		count = 1
	}
	return &Striped{shards: make([]sync.Mutex, count)}
}

func (s *Striped) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(s.shards))
}

// Lock acquires the shard mutex for key.
func (s *Striped) Lock(key string) {
	s.shards[s.index(key)].Lock()
}

// Unlock releases the shard mutex for key.
func (s *Striped) Unlock(key string) {
	s.shards[s.index(key)].Unlock()
}

// With runs fn while holding the shard lock for key.
func (s *Striped) With(key string, fn func()) {
	s.Lock(key)
	defer s.Unlock(key)
	fn()
}
