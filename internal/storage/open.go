package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "schedtx/pkg/logx"
)

// ErrSQLiteNotBuilt is returned for the sqlite driver in binaries built with
// -tags nosqlite.
var ErrSQLiteNotBuilt = errors.New("sqlite storage not built: rebuild without -tags nosqlite")

type Store interface {
	SaveSnapshot(ctx context.Context, s State) error
	// LoadSnapshot returns ok=false when nothing was saved yet.
	LoadSnapshot(ctx context.Context) (s State, ok bool, err error)
	AppendOutcome(ctx context.Context, o Outcome) error
	// Outcomes returns up to limit most recent outcomes, oldest first.
	Outcomes(ctx context.Context, limit int) ([]Outcome, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
