// Package syncutil holds locking helpers shared by the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 128

// ContextShardedMutex is a pool of per-key mutexes built on buffered
// channels, so a waiter can give up when its context is cancelled. Keys
// hashing to the same shard serialize against each other; that is the point
// for equal keys and an acceptable collision cost for different ones.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates the pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	shards := make([]chan struct{}, shardCount)
	for i := range shards {
		shards[i] = make(chan struct{}, 1)
		shards[i] <- struct{}{}
	}
	return &ContextShardedMutex{shards: shards}
}

// LockContext acquires the key's shard, waiting until it is free or ctx is
// done. On success the returned func releases the shard and must be called
// exactly once; on cancellation the lock is not held and the func is nil.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardFor(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
