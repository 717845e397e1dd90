// Package ledger holds account balances and the transfer primitive the
// scheduler uses to move escrow funds.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"schedtx/internal/txn"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrOverflow          = errors.New("balance overflow")
)

// Transferer moves funds between accounts atomically.
type Transferer interface {
	Transfer(from, to txn.Address, amount uint64) error
}

// Balance is one account row, used by snapshots and status output.
type Balance struct {
	Address txn.Address `json:"address"`
	Amount  uint64      `json:"amount"`
}

// Accounts is an in-memory balance table.
type Accounts struct {
	mu       sync.RWMutex
	balances map[txn.Address]uint64
}

func NewAccounts() *Accounts {
	return &Accounts{balances: map[txn.Address]uint64{}}
}

// Open creates an account with a zero balance if it does not exist.
func (a *Accounts) Open(addr txn.Address) {
	a.mu.Lock()
	if _, ok := a.balances[addr]; !ok {
		a.balances[addr] = 0
	}
	a.mu.Unlock()
}

// Credit mints amount into addr, creating the account if needed.
func (a *Accounts) Credit(addr txn.Address, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.balances[addr]
	if cur+amount < cur {
		return fmt.Errorf("credit %s: %w", addr, ErrOverflow)
	}
	a.balances[addr] = cur + amount
	return nil
}

func (a *Accounts) Balance(addr txn.Address) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.balances[addr]
	return v, ok
}

// Transfer moves amount from one account to another. The source must exist.
// The destination is created on first credit.
func (a *Accounts) Transfer(from, to txn.Address, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.balances[from]
	if !ok {
		return fmt.Errorf("transfer from %s: %w", from, ErrUnknownAccount)
	}
	if amount == 0 || from == to {
		return nil
	}
	if src < amount {
		return fmt.Errorf("transfer %d from %s (balance %d): %w", amount, from, src, ErrInsufficientFunds)
	}
	dst := a.balances[to]
	if dst+amount < dst {
		return fmt.Errorf("transfer to %s: %w", to, ErrOverflow)
	}
	a.balances[from] = src - amount
	a.balances[to] = dst + amount
	return nil
}

// Total sums all balances. Transfers never change it.
func (a *Accounts) Total() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var sum uint64
	for _, v := range a.balances {
		sum += v
	}
	return sum
}

// Snapshot returns balances ordered by address.
func (a *Accounts) Snapshot() []Balance {
	a.mu.RLock()
	out := make([]Balance, 0, len(a.balances))
	for k, v := range a.balances {
		out = append(out, Balance{Address: k, Amount: v})
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out
}

// Restore replaces all balances.
func (a *Accounts) Restore(rows []Balance) {
	m := make(map[txn.Address]uint64, len(rows))
	for _, r := range rows {
		m[r.Address] = r.Amount
	}
	a.mu.Lock()
	a.balances = m
	a.mu.Unlock()
}
