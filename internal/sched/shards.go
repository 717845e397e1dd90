package sched

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"schedtx/internal/txn"
)

// removalShards buffers keys of finished dispatches until the next drain.
// Each shard has its own lock, so completions for different ids rarely contend.
type removalShards struct {
	shards [ShardCount]removalShard
}

type removalShard struct {
	mu   sync.Mutex
	keys []ScheduleKey
}

func shardIndex(id txn.ID) int {
	return int(xxhash.Sum64(id[:]) % ShardCount)
}

func (r *removalShards) push(k ScheduleKey) {
	sh := &r.shards[shardIndex(k.ID)]
	sh.mu.Lock()
	sh.keys = append(sh.keys, k)
	sh.mu.Unlock()
}

// popAll empties every shard and hands each key to fn.
func (r *removalShards) popAll(fn func(ScheduleKey)) int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		keys := sh.keys
		sh.keys = nil
		sh.mu.Unlock()
		for _, k := range keys {
			fn(k)
		}
		n += len(keys)
	}
	return n
}

// peek copies pending keys without removing them.
func (r *removalShards) peek() []ScheduleKey {
	var out []ScheduleKey
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		out = append(out, sh.keys...)
		sh.mu.Unlock()
	}
	return out
}

func (r *removalShards) pending() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}
