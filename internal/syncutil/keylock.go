// Package syncutil provides per-key locking for read-modify-write merges on
// validation records.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const keyLockShards = 128

// KeyLock serializes work on the same key while letting unrelated keys run
// in parallel. Memory stays bounded by the shard count; two keys that hash to
// the same shard occasionally wait on each other.
//
// The zero value is ready to use.
type KeyLock struct {
	shards [keyLockShards]chan struct{}
	once   sync.Once
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock acquires the lock for key and returns the release function. It
// returns the context error if ctx is done before the lock is acquired.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.init()
	ch := k.shards[shardOf(key)]

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % keyLockShards
}
