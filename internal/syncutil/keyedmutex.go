// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-based mutexes. Bounded memory regardless of how many keys are
// seen, at the cost of occasional false sharing between keys that hash to
// the same shard. Waiters can bail out on context cancellation.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a keyed mutex with all shards unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller must invoke; on
// cancellation it returns the context error and no lock is held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
