package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"

	"schedtx/internal/ledger"
	"schedtx/internal/sched"
	"schedtx/internal/txn"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and configures a driver. An empty or "none" Driver disables
// storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	// Fs backs the file driver. Defaults to the OS filesystem.
	Fs afero.Fs
}

// State is one persisted node snapshot.
type State struct {
	SavedAt  time.Time        `json:"saved_at"`
	Step     uint64           `json:"step"`
	Engine   sched.Snapshot   `json:"engine"`
	Accounts []ledger.Balance `json:"accounts"`
}

// Outcome is one line of the outcome log: what finally happened to a key.
type Outcome struct {
	At    time.Time         `json:"at"`
	Key   sched.ScheduleKey `json:"key"`
	Owner txn.Address       `json:"owner"`
	State string            `json:"state"`
	Error string            `json:"error,omitempty"`
}
