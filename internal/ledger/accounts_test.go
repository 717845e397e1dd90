package ledger

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"schedtx/internal/txn"
)

var (
	alice = txn.MustParseAddress("0xa11ce")
	bob   = txn.MustParseAddress("0xb0b")
)

func TestTransfer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		from    txn.Address
		amount  uint64
		wantErr error
		wantA   uint64
		wantB   uint64
	}{
		{name: "ok", from: alice, amount: 40, wantA: 60, wantB: 40},
		{name: "exact balance", from: alice, amount: 100, wantA: 0, wantB: 100},
		{name: "insufficient", from: alice, amount: 101, wantErr: ErrInsufficientFunds, wantA: 100},
		{name: "unknown source", from: bob, amount: 1, wantErr: ErrUnknownAccount, wantA: 100},
		{name: "zero", from: alice, amount: 0, wantA: 100},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAccounts()
			if err := a.Credit(alice, 100); err != nil {
				t.Fatalf("Credit: %v", err)
			}
			err := a.Transfer(tt.from, bob, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transfer err = %v, want %v", err, tt.wantErr)
			}
			if got, _ := a.Balance(alice); got != tt.wantA {
				t.Fatalf("alice = %d, want %d", got, tt.wantA)
			}
			if got, _ := a.Balance(bob); got != tt.wantB {
				t.Fatalf("bob = %d, want %d", got, tt.wantB)
			}
		})
	}
}

func TestCreditOverflow(t *testing.T) {
	t.Parallel()
	a := NewAccounts()
	_ = a.Credit(alice, math.MaxUint64)
	if err := a.Credit(alice, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Credit err = %v, want %v", err, ErrOverflow)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	t.Parallel()
	a := NewAccounts()
	_ = a.Credit(alice, 1000)
	_ = a.Credit(bob, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = a.Transfer(alice, bob, 3) }()
		go func() { defer wg.Done(); _ = a.Transfer(bob, alice, 5) }()
	}
	wg.Wait()
	if got := a.Total(); got != 2000 {
		t.Fatalf("Total = %d, want 2000", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()
	a := NewAccounts()
	_ = a.Credit(bob, 7)
	_ = a.Credit(alice, 9)
	a.Open(txn.MustParseAddress("0x1"))

	snap := a.Snapshot()
	b := NewAccounts()
	b.Restore(snap)
	if diff := cmp.Diff(snap, b.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if snap[0].Address != txn.MustParseAddress("0x1") {
		t.Fatalf("snapshot not ordered by address: %v", snap)
	}
}
