package sched

import (
	"errors"
	"fmt"

	"schedtx/internal/ledger"
	"schedtx/internal/txn"
)

var errNoDeposit = errors.New("no deposit recorded")

type deposit struct {
	owner  txn.Address
	amount uint64
}

// escrow holds one deposit per queued key in the holder account.
// Guarded by the engine lock.
type escrow struct {
	holder   txn.Address
	ledger   ledger.Transferer
	deposits map[ScheduleKey]deposit

	held     uint64
	refunded uint64
	consumed uint64
}

func newEscrow(holder txn.Address, l ledger.Transferer) *escrow {
	return &escrow{holder: holder, ledger: l, deposits: map[ScheduleKey]deposit{}}
}

func (e *escrow) hold(k ScheduleKey, owner txn.Address, amount uint64) error {
	if err := e.ledger.Transfer(owner, e.holder, amount); err != nil {
		return err
	}
	e.deposits[k] = deposit{owner: owner, amount: amount}
	e.held += amount
	return nil
}

// refund returns the deposit for k to its owner.
func (e *escrow) refund(k ScheduleKey) (deposit, error) {
	d, ok := e.deposits[k]
	if !ok {
		return deposit{}, fmt.Errorf("refund %s: %w", k, errNoDeposit)
	}
	if err := e.ledger.Transfer(e.holder, d.owner, d.amount); err != nil {
		return deposit{}, fmt.Errorf("refund %s: %w", k, err)
	}
	delete(e.deposits, k)
	e.held -= d.amount
	e.refunded += d.amount
	return d, nil
}

// consume closes the deposit for a dispatched entry. Funds stay with the holder.
func (e *escrow) consume(k ScheduleKey) {
	d, ok := e.deposits[k]
	if !ok {
		return
	}
	delete(e.deposits, k)
	e.held -= d.amount
	e.consumed += d.amount
}

func (e *escrow) amount(k ScheduleKey) (uint64, bool) {
	d, ok := e.deposits[k]
	return d.amount, ok
}
