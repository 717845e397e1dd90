// Package sched is the deferred-transaction scheduling engine: a fee-ordered
// queue of scheduled transactions with escrowed deposits, per-step ready
// extraction with inline expiry, sharded completion bookkeeping and a bounded
// shutdown path.
//
// Every Engine method is atomic with respect to the others. MarkDone only
// touches one removal shard, so executors may call it concurrently.
package sched

import (
	"sync"
	"time"

	"schedtx/internal/ledger"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

type Engine struct {
	mu sync.Mutex

	cfg    Config
	queue  *priorityQueue
	slots  *slotArena
	escrow *escrow
	shards removalShards

	hasher  txn.Hasher
	emitter Emitter
	env     txn.Env
	now     func() time.Time
	log     logx.Logger

	stats counters

	// shutdown latches once a shutdown begins; admission never reopens.
	shutdown bool
}

type counters struct {
	inserted        uint64
	cancelled       uint64
	ready           uint64
	expired         uint64
	shutdownRemoved uint64
	purged          uint64
	refundFailures  uint64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	PendingRemovals int    `json:"pending_removals"`
	EscrowHeld      uint64 `json:"escrow_held"`
	EscrowRefunded  uint64 `json:"escrow_refunded"`
	EscrowConsumed  uint64 `json:"escrow_consumed"`
	Inserted        uint64 `json:"inserted"`
	Cancelled       uint64 `json:"cancelled"`
	Ready           uint64 `json:"ready"`
	Expired         uint64 `json:"expired"`
	ShutdownRemoved uint64 `json:"shutdown_removed"`
	Purged          uint64 `json:"purged"`
	RefundFailures  uint64 `json:"refund_failures"`
	Config          Config `json:"config"`
}

type Option func(*Engine)

func WithHasher(h txn.Hasher) Option { return func(e *Engine) { e.hasher = h } }

func WithEmitter(em Emitter) Option { return func(e *Engine) { e.emitter = em } }

// WithActionEnv sets what actions see when they run. Defaults to the ledger
// with notes written to the log.
func WithActionEnv(env txn.Env) Option { return func(e *Engine) { e.env = env } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// New initializes an engine with an empty queue, no deposits and the default
// config. Deposits move between owners and escrowHolder through l.
func New(l ledger.Transferer, escrowHolder txn.Address, opts ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		queue:   newPriorityQueue(),
		slots:   newSlotArena(),
		escrow:  newEscrow(escrowHolder, l),
		hasher:  txn.SHA3Hasher{},
		emitter: nopEmitter{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.env == nil {
		e.env = ledgerEnv{tr: l, log: e.log}
	}
	return e
}

// Config returns the current admin config.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetExpiryDelta updates how many buckets an entry may lag before expiring.
func (e *Engine) SetExpiryDelta(delta uint64) {
	e.mu.Lock()
	prev := e.cfg.ExpiryDelta
	e.cfg.ExpiryDelta = delta
	e.mu.Unlock()
	if prev != delta {
		e.log.Info("expiry delta updated", logx.Uint64("from", prev), logx.Uint64("to", delta))
	}
}

// SetStop toggles admission. While stopped, Insert fails with ErrUnavailable,
// Cancel is a no-op and ExtractReady returns nothing.
//
// Once a shutdown has begun the engine stays stopped and clearing the flag
// fails with ErrShutDown.
func (e *Engine) SetStop(stop bool) error {
	e.mu.Lock()
	if !stop && e.shutdown {
		e.mu.Unlock()
		return ErrShutDown
	}
	prev := e.cfg.StopScheduling
	e.cfg.StopScheduling = stop
	e.mu.Unlock()
	if prev != stop {
		e.log.Info("stop flag updated", logx.Bool("stop", stop))
	}
	return nil
}

// BeginShutdown stops admission for good. Shutdown passes still have to run
// to refund what is queued.
func (e *Engine) BeginShutdown() {
	e.mu.Lock()
	already := e.shutdown
	e.shutdown = true
	e.cfg.StopScheduling = true
	e.mu.Unlock()
	if !already {
		e.log.Warn("engine shutdown begun")
	}
}

// ShutDown reports whether a shutdown has begun.
func (e *Engine) ShutDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// Len returns the number of queued entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// Entry is a queued transaction together with its key and deposit.
type Entry struct {
	Key     ScheduleKey
	Txn     txn.ScheduledTransaction
	Deposit uint64
}

// Get looks up a queued entry.
func (e *Engine) Get(k ScheduleKey) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.queue.get(k)
	if !ok {
		return Entry{}, false
	}
	t, ok := e.slots.get(it.handle)
	if !ok {
		return Entry{}, false
	}
	amt, _ := e.escrow.amount(k)
	return Entry{Key: k, Txn: t, Deposit: amt}, true
}

// Keys returns up to limit queued keys in dispatch order, optionally
// filtered by owner. limit <= 0 means no limit.
func (e *Engine) Keys(limit int, owner *txn.Address) []ScheduleKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ScheduleKey
	e.queue.ascend(func(it queueItem) bool {
		if owner != nil {
			if t, ok := e.slots.get(it.handle); !ok || t.Owner != *owner {
				return true
			}
		}
		out = append(out, it.key)
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (e *Engine) Stats() Stats {
	pending := e.shards.pending()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		QueueDepth:      e.queue.len(),
		PendingRemovals: pending,
		EscrowHeld:      e.escrow.held,
		EscrowRefunded:  e.escrow.refunded,
		EscrowConsumed:  e.escrow.consumed,
		Inserted:        e.stats.inserted,
		Cancelled:       e.stats.cancelled,
		Ready:           e.stats.ready,
		Expired:         e.stats.expired,
		ShutdownRemoved: e.stats.shutdownRemoved,
		Purged:          e.stats.purged,
		RefundFailures:  e.stats.refundFailures,
		Config:          e.cfg,
	}
}

// ledgerEnv runs actions against the transfer primitive and logs notes.
type ledgerEnv struct {
	tr  ledger.Transferer
	log logx.Logger
}

func (l ledgerEnv) Transfer(from, to txn.Address, amount uint64) error {
	return l.tr.Transfer(from, to, amount)
}

func (l ledgerEnv) Note(auth *txn.Signer, memo string) {
	fields := []logx.Field{logx.String("memo", memo)}
	if auth != nil {
		fields = append(fields, logx.Stringer("owner", auth.Address()))
	}
	l.log.Info("note", fields...)
}
