package sched

import "schedtx/internal/txn"

// Handle addresses a stored transaction.
type Handle uint64

// DeleteRef is the capability to free a slot. It is minted together with its
// Handle and is the only way to delete the slot.
type DeleteRef struct {
	h     Handle
	token uint64
}

func (r DeleteRef) Handle() Handle { return r.h }

type slot struct {
	txn   txn.ScheduledTransaction
	token uint64
}

// slotArena owns every queued transaction. Guarded by the engine lock.
type slotArena struct {
	nextHandle uint64
	nextToken  uint64
	slots      map[Handle]slot
}

func newSlotArena() *slotArena {
	return &slotArena{slots: map[Handle]slot{}}
}

func (a *slotArena) alloc(t txn.ScheduledTransaction) (Handle, DeleteRef) {
	a.nextHandle++
	// Tokens follow their own sequence, independent of handles.
	a.nextToken += 0x9e3779b97f4a7c15
	h := Handle(a.nextHandle)
	a.slots[h] = slot{txn: t, token: a.nextToken}
	return h, DeleteRef{h: h, token: a.nextToken}
}

func (a *slotArena) get(h Handle) (txn.ScheduledTransaction, bool) {
	s, ok := a.slots[h]
	return s.txn, ok
}

// free consumes ref. It reports false when the slot is gone or ref does not match.
func (a *slotArena) free(ref DeleteRef) bool {
	s, ok := a.slots[ref.h]
	if !ok || s.token != ref.token {
		return false
	}
	delete(a.slots, ref.h)
	return true
}

func (a *slotArena) len() int { return len(a.slots) }
