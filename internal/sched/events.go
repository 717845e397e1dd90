package sched

import "schedtx/internal/txn"

// Event types, also used as event bus topics.
const (
	EventTransactionFailed = "txn.failed"
	EventShutdownComplete  = "shutdown.complete"
)

// Event is a notification emitted by the engine.
type Event interface {
	EventType() string
}

// TransactionFailed reports that an entry left the queue without running.
// Its deposit has already been refunded to Owner.
type TransactionFailed struct {
	Key    ScheduleKey `json:"key"`
	Owner  txn.Address `json:"owner"`
	Reason Reason      `json:"reason"`
}

func (TransactionFailed) EventType() string { return EventTransactionFailed }

// ShutdownComplete is emitted once a shutdown pass leaves the queue empty.
type ShutdownComplete struct{}

func (ShutdownComplete) EventType() string { return EventShutdownComplete }

// Emitter receives engine events. Emit runs under the engine lock and must
// not call back into the engine.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}
