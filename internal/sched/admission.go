package sched

import (
	"fmt"

	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// Insert validates t, queues it and moves its deposit into escrow. The
// returned key is what Cancel takes. Nothing changes when an error is returned.
func (e *Engine) Insert(signer txn.Signer, t txn.ScheduledTransaction) (ScheduleKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.StopScheduling {
		return ScheduleKey{}, ErrUnavailable
	}
	if signer.Address() != t.Owner {
		return ScheduleKey{}, ErrInvalidSigner
	}
	if BucketOf(t.ScheduledTime) <= bucketAt(e.now()) {
		return ScheduleKey{}, ErrInvalidTime
	}
	if t.MaxGasUnitPrice < MinGasUnitPrice {
		return ScheduleKey{}, ErrLowGasPrice
	}
	raw, err := txn.Marshal(t)
	if err != nil {
		return ScheduleKey{}, fmt.Errorf("encode transaction: %w", err)
	}
	if len(raw) >= MaxTxnSize {
		return ScheduleKey{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	amount, ok := t.Deposit()
	if !ok {
		return ScheduleKey{}, fmt.Errorf("%w: deposit overflows", ErrTooLarge)
	}

	key, err := e.keyOf(t, raw)
	if err != nil {
		return ScheduleKey{}, err
	}
	if e.queue.has(key) {
		return ScheduleKey{}, ErrDuplicate
	}

	h, ref := e.slots.alloc(t)
	e.queue.insert(queueItem{key: key, handle: h, ref: ref})
	if err := e.escrow.hold(key, t.Owner, amount); err != nil {
		e.queue.remove(key)
		e.slots.free(ref)
		return ScheduleKey{}, fmt.Errorf("escrow deposit: %w", err)
	}
	e.stats.inserted++

	e.log.Debug("scheduled",
		logx.Stringer("key", key),
		logx.Stringer("owner", t.Owner),
		logx.String("kind", t.Kind()),
		logx.Uint64("deposit", amount),
	)
	return key, nil
}

func (e *Engine) keyOf(t txn.ScheduledTransaction, raw []byte) (ScheduleKey, error) {
	digest := e.hasher.Digest(raw)
	if len(digest) != txn.IDSize {
		return ScheduleKey{}, fmt.Errorf("%w: got %d bytes", ErrInvalidDigestSize, len(digest))
	}
	var id txn.ID
	copy(id[:], digest)
	return KeyFor(t, id), nil
}

// Cancel removes the signer's entry and refunds its deposit. A missing key or
// a stopped engine makes it a no-op, so repeated cancels are safe.
func (e *Engine) Cancel(signer txn.Signer, key ScheduleKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.StopScheduling {
		return nil
	}
	it, ok := e.queue.get(key)
	if !ok {
		return nil
	}
	t, ok := e.slots.get(it.handle)
	if !ok {
		return nil
	}
	if t.Owner != signer.Address() {
		return ErrInvalidSigner
	}
	return e.terminalRemoveLocked(it, t.Owner, ReasonCancelled)
}
