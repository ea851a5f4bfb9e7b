// Package syncutil provides per-key locking over a fixed pool of shards.
//
// Sessions, rate-limit counters, and behavior profiles are all keyed by
// strings that arrive from untrusted requests. A shard pool keeps memory
// bounded no matter how many distinct keys are seen; two keys that hash to
// the same shard simply serialize against each other.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a pool of mutexes keyed by string. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the lock for key.
func (s *ShardedMutex) Do(key string, fn func()) {
	unlock := s.Lock(key)
	defer unlock()
	fn()
}

// ShardedRWMutex is the read/write variant used where reads dominate
// (profile snapshots for scoring vs. one append per request).
type ShardedRWMutex struct {
	shards [shardCount]sync.RWMutex
}

// Lock acquires the write lock for key.
func (s *ShardedRWMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// RLock acquires the read lock for key.
func (s *ShardedRWMutex) RLock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.RLock()
	return mu.RUnlock
}

// ContextShardedMutex is a channel-based shard pool whose Lock can be
// abandoned when the caller's context ends.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key or returns ctx.Err() if the context
// ends first. The returned unlock function must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardIndex(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
