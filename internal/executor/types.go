// Package executor runs ready scheduled transactions on a bounded worker pool
// and reports every finished run back to the engine through MarkDone.
package executor

import (
	"context"
	"errors"
	"time"

	"schedtx/internal/sched"
	"schedtx/internal/txn"
)

var (
	ErrStopped    = errors.New("executor stopped")
	ErrNotStarted = errors.New("executor not started")
	ErrPanic      = errors.New("action panicked")
)

// DispatchError wraps the error an action returned for Key.
type DispatchError struct {
	Key sched.ScheduleKey
	Err error
}

func (e *DispatchError) Error() string { return "dispatch " + e.Key.String() + ": " + e.Err.Error() }

func (e *DispatchError) Unwrap() error { return e.Err }

// Event types published on the bus.
const (
	EventStarted  = "dispatch.started"
	EventFinished = "dispatch.finished"
	EventFailed   = "dispatch.failed"
	EventDropped  = "dispatch.dropped"
)

type Config struct {
	Workers   int
	QueueSize int
	// DispatchTimeout bounds one action run. 0 means no limit.
	DispatchTimeout time.Duration
	HistorySize     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Dispatcher is the engine surface the executor needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, auth txn.Signer, key sched.ScheduleKey) error
	MarkDone(key sched.ScheduleKey)
}

// Result is the outcome of one submitted entry. Dropped entries never ran
// and were not marked done, so the engine offers them again or expires them.
type Result struct {
	Key      sched.ScheduleKey
	Owner    txn.Address
	Err      error
	Started  time.Time
	Duration time.Duration
	Dropped  bool
}

// DispatchEvent is the bus payload for dispatch lifecycle events.
type DispatchEvent struct {
	Key        sched.ScheduleKey `json:"key"`
	Owner      txn.Address       `json:"owner"`
	Started    time.Time         `json:"started"`
	QueueDelay time.Duration     `json:"queue_delay"`
	Duration   time.Duration     `json:"duration"`
	Error      string            `json:"error,omitempty"`
}

type HistoryItem struct {
	Key        sched.ScheduleKey `json:"key"`
	Started    time.Time         `json:"started"`
	QueueDelay time.Duration     `json:"queue_delay"`
	Duration   time.Duration     `json:"duration"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Workers         int           `json:"workers"`
	QueueLen        int           `json:"queue_len"`
	QueueCap        int           `json:"queue_cap"`
	InFlight        int           `json:"in_flight"`
	Dispatched      uint64        `json:"dispatched"`
	Failed          uint64        `json:"failed"`
	Dropped         uint64        `json:"dropped"`
	Panics          uint64        `json:"panics"`
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
	History         []HistoryItem `json:"history"`
}
