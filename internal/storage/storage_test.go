package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"schedtx/internal/ledger"
	"schedtx/internal/sched"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

func sampleState() State {
	owner := txn.MustParseAddress("0xa11ce")
	key := sched.ScheduleKey{TimeBucket: 17_000_000_021, PriorityRank: 42, ID: txn.ID{1, 2, 3}}
	return State{
		SavedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Step:    9,
		Engine: sched.Snapshot{
			Config:  sched.DefaultConfig(),
			Entries: []sched.SnapshotEntry{{Key: key, Owner: owner, Txn: []byte{0xde, 0xad}, Deposit: 500}},
			Pending: []sched.ScheduleKey{key},
			Escrow:  sched.EscrowTotals{Held: 500, Consumed: 20},
		},
		Accounts: []ledger.Balance{{Address: owner, Amount: 1000}},
	}
}

func sampleOutcomes() []Outcome {
	owner := txn.MustParseAddress("0xb0b")
	out := make([]Outcome, 4)
	for i := range out {
		out[i] = Outcome{
			At:    time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			Key:   sched.ScheduleKey{TimeBucket: uint64(i), ID: txn.ID{byte(i)}},
			Owner: owner,
			State: "dispatched",
		}
	}
	out[2].State, out[2].Error = "failed", "insufficient funds"
	return out
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	file, err := Open(Config{Driver: "file", Path: "/data/node.db", Fs: afero.NewMemMapFs()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	stores := map[string]Store{"file": file}
	if !sqliteBuilt {
		return stores
	}
	lite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "node.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	stores["sqlite"] = lite
	return stores
}

func TestOpenSQLiteWithoutDriver(t *testing.T) {
	if sqliteBuilt {
		t.Skip("sqlite driver compiled in")
	}
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "node.db")}, logx.Nop())
	if !errors.Is(err, ErrSQLiteNotBuilt) || st != nil {
		t.Fatalf("Open = %v, %v; want ErrSQLiteNotBuilt", st, err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.LoadSnapshot(ctx); err != nil || ok {
				t.Fatalf("LoadSnapshot on empty store = %v, %v", ok, err)
			}
			want := sampleState()
			if err := st.SaveSnapshot(ctx, want); err != nil {
				t.Fatalf("SaveSnapshot: %v", err)
			}
			want.Step = 10
			if err := st.SaveSnapshot(ctx, want); err != nil {
				t.Fatalf("SaveSnapshot again: %v", err)
			}
			got, ok, err := st.LoadSnapshot(ctx)
			if err != nil || !ok {
				t.Fatalf("LoadSnapshot = %v, %v", ok, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutcomeLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			all := sampleOutcomes()
			for _, o := range all {
				if err := st.AppendOutcome(ctx, o); err != nil {
					t.Fatalf("AppendOutcome: %v", err)
				}
			}
			got, err := st.Outcomes(ctx, 0)
			if err != nil {
				t.Fatalf("Outcomes: %v", err)
			}
			if diff := cmp.Diff(all, got); diff != "" {
				t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
			}
			last, err := st.Outcomes(ctx, 2)
			if err != nil {
				t.Fatalf("Outcomes(2): %v", err)
			}
			if diff := cmp.Diff(all[2:], last); diff != "" {
				t.Fatalf("tail mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
