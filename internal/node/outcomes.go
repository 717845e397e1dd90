package node

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"schedtx/internal/eventbus"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
)

// Outcome states.
const (
	StateQueued     = "queued"
	StateReady      = "ready"
	StateDispatched = "dispatched"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
	StateExpired    = "expired"
	StateShutdown   = "shutdown"
)

// Outcomes remembers the latest state of recently seen keys and queues
// terminal ones for the outcome log. It is also the engine's event sink.
type Outcomes struct {
	cache   *lru.Cache[sched.ScheduleKey, storage.Outcome]
	bus     eventbus.Bus
	now     func() time.Time
	pending chan storage.Outcome
	dropped atomic.Uint64
}

// NewOutcomes caches up to size keys. bus may be nil.
func NewOutcomes(size int, bus eventbus.Bus) (*Outcomes, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[sched.ScheduleKey, storage.Outcome](size)
	if err != nil {
		return nil, err
	}
	return &Outcomes{cache: cache, bus: bus, now: time.Now, pending: make(chan storage.Outcome, 4096)}, nil
}

// Emit implements sched.Emitter. It runs under the engine lock and never blocks.
func (o *Outcomes) Emit(ev sched.Event) {
	switch e := ev.(type) {
	case sched.TransactionFailed:
		state := StateExpired
		if e.Reason == sched.ReasonShutdown {
			state = StateShutdown
		}
		o.Record(e.Key, e.Owner, state, nil)
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: ev.EventType(), Time: o.now(), Data: ev})
	}
}

// Record stores the state for key. Terminal states are also queued for the
// outcome log.
func (o *Outcomes) Record(key sched.ScheduleKey, owner txn.Address, state string, err error) {
	rec := storage.Outcome{At: o.now(), Key: key, Owner: owner, State: state}
	if err != nil {
		rec.Error = err.Error()
	}
	o.cache.Add(key, rec)
	if !terminal(state) {
		return
	}
	select {
	case o.pending <- rec:
	default:
		o.dropped.Add(1)
	}
}

func (o *Outcomes) Get(key sched.ScheduleKey) (storage.Outcome, bool) {
	return o.cache.Get(key)
}

func (o *Outcomes) Len() int { return o.cache.Len() }

// Dropped counts outcomes that did not fit the log queue.
func (o *Outcomes) Dropped() uint64 { return o.dropped.Load() }

func terminal(state string) bool {
	switch state {
	case StateQueued, StateReady:
		return false
	}
	return true
}
