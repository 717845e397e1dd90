package sched

import (
	"errors"
	"fmt"

	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// Snapshot is the persistable state of an engine. Ledger balances are saved
// separately; escrowed funds sit in the holder account.
type Snapshot struct {
	Config  Config          `json:"config"`
	Entries []SnapshotEntry `json:"entries"`
	Pending []ScheduleKey   `json:"pending,omitempty"`
	Escrow  EscrowTotals    `json:"escrow"`
	// ShutDown is set once a shutdown has begun.
	ShutDown bool `json:"shut_down,omitempty"`
}

type SnapshotEntry struct {
	Key     ScheduleKey `json:"key"`
	Owner   txn.Address `json:"owner"`
	Txn     []byte      `json:"txn"`
	Deposit uint64      `json:"deposit"`
}

type EscrowTotals struct {
	Held     uint64 `json:"held"`
	Refunded uint64 `json:"refunded"`
	Consumed uint64 `json:"consumed"`
}

// Snapshot captures queued entries in key order together with completions
// not yet drained.
func (e *Engine) Snapshot() (Snapshot, error) {
	return e.SnapshotWith(nil)
}

// SnapshotWith is Snapshot with capture run under the engine lock, so state
// the engine moves funds against (the ledger) can be saved consistently.
func (e *Engine) SnapshotWith(capture func()) (Snapshot, error) {
	pending := e.shards.peek()

	e.mu.Lock()
	defer e.mu.Unlock()
	if capture != nil {
		capture()
	}

	s := Snapshot{
		Config:   e.cfg,
		Entries:  make([]SnapshotEntry, 0, e.queue.len()),
		Pending:  pending,
		ShutDown: e.shutdown,
		Escrow: EscrowTotals{
			Held:     e.escrow.held,
			Refunded: e.escrow.refunded,
			Consumed: e.escrow.consumed,
		},
	}
	var err error
	e.queue.ascend(func(it queueItem) bool {
		t, ok := e.slots.get(it.handle)
		if !ok {
			err = fmt.Errorf("snapshot %s: slot %d missing", it.key, it.handle)
			return false
		}
		raw, merr := txn.Marshal(t)
		if merr != nil {
			err = fmt.Errorf("snapshot %s: %w", it.key, merr)
			return false
		}
		amt, _ := e.escrow.amount(it.key)
		s.Entries = append(s.Entries, SnapshotEntry{Key: it.key, Owner: t.Owner, Txn: raw, Deposit: amt})
		return true
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Restore loads s into an empty engine. Each entry's key is recomputed from
// its encoding and must match. Funds are not moved.
func (e *Engine) Restore(s Snapshot, reg *txn.Registry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.len() > 0 || e.shards.pending() > 0 {
		return ErrNotEmpty
	}

	type loaded struct {
		key ScheduleKey
		t   txn.ScheduledTransaction
		dep uint64
	}
	rows := make([]loaded, 0, len(s.Entries))
	seen := make(map[ScheduleKey]struct{}, len(s.Entries))
	var held uint64
	for _, ent := range s.Entries {
		t, err := txn.Unmarshal(reg, ent.Txn)
		if err != nil {
			return fmt.Errorf("restore %s: %w", ent.Key, err)
		}
		key, err := e.keyOf(t, ent.Txn)
		if err != nil {
			return fmt.Errorf("restore %s: %w", ent.Key, err)
		}
		if key != ent.Key {
			return fmt.Errorf("restore %s: recomputed key %s", ent.Key, key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("restore %s: %w", key, ErrDuplicate)
		}
		seen[key] = struct{}{}
		rows = append(rows, loaded{key: key, t: t, dep: ent.Deposit})
		held += ent.Deposit
	}
	if held != s.Escrow.Held {
		return errors.New("restore: escrow total does not match entries")
	}

	for _, r := range rows {
		h, ref := e.slots.alloc(r.t)
		e.queue.insert(queueItem{key: r.key, handle: h, ref: ref})
		e.escrow.deposits[r.key] = deposit{owner: r.t.Owner, amount: r.dep}
	}
	e.escrow.held = s.Escrow.Held
	e.escrow.refunded = s.Escrow.Refunded
	e.escrow.consumed = s.Escrow.Consumed
	e.cfg = s.Config
	e.shutdown = s.ShutDown
	if e.shutdown {
		e.cfg.StopScheduling = true
	}
	for _, k := range s.Pending {
		e.shards.push(k)
	}

	e.log.Info("engine restored",
		logx.Int("entries", len(rows)),
		logx.Int("pending", len(s.Pending)),
		logx.Uint64("escrow_held", held),
	)
	return nil
}
