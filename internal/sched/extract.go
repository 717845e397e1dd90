package sched

import (
	"time"

	logx "schedtx/pkg/logx"
)

// ExtractReady returns the entries due at now, in key order, after purging
// finished dispatches and expiring entries that lagged more than ExpiryDelta
// buckets. Ready entries stay queued until MarkDone and the next drain.
//
// At most ReadyBatchCap entries are examined per call.
func (e *Engine) ExtractReady(now time.Time) []DispatchInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()
	if e.cfg.StopScheduling {
		return nil
	}

	nowBucket := bucketAt(now)
	var (
		ready    []DispatchInfo
		expired  []queueItem
		examined int
	)
	e.queue.ascend(func(it queueItem) bool {
		if it.key.TimeBucket > nowBucket || examined >= ReadyBatchCap {
			return false
		}
		examined++
		if nowBucket-it.key.TimeBucket > e.cfg.ExpiryDelta {
			expired = append(expired, it)
			return true
		}
		t, ok := e.slots.get(it.handle)
		if !ok {
			return true
		}
		ready = append(ready, DispatchInfo{
			Owner:           t.Owner,
			MaxGasAmount:    t.MaxGasAmount,
			MaxGasUnitPrice: t.MaxGasUnitPrice,
			ChargedPrice:    t.MaxGasUnitPrice,
			Key:             it.key,
		})
		return true
	})

	for _, it := range expired {
		_ = e.terminalRemoveLocked(it, e.ownerOf(it), ReasonExpired)
	}
	e.stats.ready += uint64(len(ready))

	if len(ready) > 0 || len(expired) > 0 {
		e.log.Debug("extracted",
			logx.Uint64("now_bucket", nowBucket),
			logx.Int("ready", len(ready)),
			logx.Int("expired", len(expired)),
			logx.Int("examined", examined),
		)
	}
	return ready
}

// MarkDone records that key finished running. The entry is purged at the next
// drain. Safe to call concurrently, including for keys already removed.
func (e *Engine) MarkDone(key ScheduleKey) {
	e.shards.push(key)
}

// drainLocked purges every key buffered by MarkDone that is still queued.
// Their deposits are consumed, not refunded.
func (e *Engine) drainLocked() int {
	purged := 0
	e.shards.popAll(func(k ScheduleKey) {
		it, ok := e.queue.get(k)
		if !ok {
			return
		}
		e.slots.free(it.ref)
		e.queue.remove(k)
		e.escrow.consume(k)
		purged++
	})
	e.stats.purged += uint64(purged)
	return purged
}
