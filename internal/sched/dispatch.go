package sched

import (
	"context"
	"fmt"

	"schedtx/internal/txn"
)

// Dispatch runs the action stored under key. The owner's signer is passed to
// the action only when the transaction asked for it. The action runs outside
// the engine lock, so many dispatches may proceed in parallel.
//
// Dispatch does not call MarkDone; the executor does once the run is over.
func (e *Engine) Dispatch(ctx context.Context, auth txn.Signer, key ScheduleKey) error {
	e.mu.Lock()
	it, ok := e.queue.get(key)
	var t txn.ScheduledTransaction
	if ok {
		t, ok = e.slots.get(it.handle)
	}
	env := e.env
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("dispatch %s: %w", key, ErrKeyNotFound)
	}

	var authArg *txn.Signer
	if t.PassAuth {
		if auth.Address() != t.Owner {
			return fmt.Errorf("dispatch %s: %w", key, ErrInvalidSigner)
		}
		authArg = &auth
	}
	if err := t.Action.Run(ctx, env, authArg); err != nil {
		return fmt.Errorf("dispatch %s: %w", key, err)
	}
	return nil
}
