package sched

import (
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// terminalRemoveLocked is the only refund path: cancel, expiry and shutdown
// all end here. The refund happens first; if it fails the entry stays queued.
func (e *Engine) terminalRemoveLocked(it queueItem, owner txn.Address, reason Reason) error {
	d, err := e.escrow.refund(it.key)
	if err != nil {
		e.stats.refundFailures++
		e.log.Error("refund failed",
			logx.Stringer("key", it.key),
			logx.Stringer("owner", owner),
			logx.Stringer("reason", reason),
			logx.Err(err),
		)
		return err
	}
	e.slots.free(it.ref)
	e.queue.remove(it.key)

	switch reason {
	case ReasonCancelled:
		e.stats.cancelled++
	case ReasonExpired:
		e.stats.expired++
	case ReasonShutdown:
		e.stats.shutdownRemoved++
	}

	e.log.Debug("removed",
		logx.Stringer("key", it.key),
		logx.Stringer("owner", owner),
		logx.Stringer("reason", reason),
		logx.Uint64("refund", d.amount),
	)

	// Cancellation is reported to the caller directly.
	if reason != ReasonCancelled {
		e.emitter.Emit(TransactionFailed{Key: it.key, Owner: owner, Reason: reason})
	}
	return nil
}

// ownerOf resolves the owner for a queued item; the zero address if its slot is gone.
func (e *Engine) ownerOf(it queueItem) txn.Address {
	t, _ := e.slots.get(it.handle)
	return t.Owner
}
