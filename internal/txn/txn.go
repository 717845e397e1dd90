// Package txn defines scheduled transactions, their actions and the canonical
// encoding that ids are derived from.
package txn

import (
	"fmt"
	"math/bits"
)

// ScheduledTransaction is a deferred action with its fee bounds. It is
// immutable once queued.
type ScheduledTransaction struct {
	Owner Address
	// ScheduledTime is the earliest run instant, unix milliseconds.
	ScheduledTime   uint64
	MaxGasAmount    uint64
	MaxGasUnitPrice uint64
	// PassAuth hands the owner's signer to the action when it runs.
	PassAuth bool
	Action   Action
}

// New builds a scheduled transaction value. It performs no validation;
// admission does.
func New(owner Address, scheduledTimeMs, maxGasAmount, maxGasUnitPrice uint64, passAuth bool, action Action) ScheduledTransaction {
	return ScheduledTransaction{
		Owner:           owner,
		ScheduledTime:   scheduledTimeMs,
		MaxGasAmount:    maxGasAmount,
		MaxGasUnitPrice: maxGasUnitPrice,
		PassAuth:        passAuth,
		Action:          action,
	}
}

// Deposit is the escrow owed for t: MaxGasAmount * MaxGasUnitPrice.
// ok is false when the product overflows uint64.
func (t ScheduledTransaction) Deposit() (amount uint64, ok bool) {
	hi, lo := bits.Mul64(t.MaxGasAmount, t.MaxGasUnitPrice)
	return lo, hi == 0
}

// Kind returns the action kind, or "" when no action is set.
func (t ScheduledTransaction) Kind() string {
	if t.Action == nil {
		return ""
	}
	return t.Action.Kind()
}

// Marshal returns the canonical encoding of t:
//
//	owner[32] | time u64 | gas u64 | price u64 | pass_auth u8 | kind str | payload bytes
//
// Integers are little-endian, str/bytes are uvarint length-prefixed.
func Marshal(t ScheduledTransaction) ([]byte, error) {
	if t.Action == nil {
		return nil, ErrNilAction
	}
	payload, err := t.Action.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s action: %w", t.Action.Kind(), err)
	}
	w := writer{buf: make([]byte, 0, 64+len(payload))}
	w.raw(t.Owner[:])
	w.u64(t.ScheduledTime)
	w.u64(t.MaxGasAmount)
	w.u64(t.MaxGasUnitPrice)
	w.bool(t.PassAuth)
	w.str(t.Action.Kind())
	w.bytes(payload)
	return w.buf, nil
}

// Unmarshal decodes the canonical encoding, rebuilding the action through reg.
func Unmarshal(reg *Registry, b []byte) (ScheduledTransaction, error) {
	var t ScheduledTransaction
	r := reader{buf: b}
	copy(t.Owner[:], r.fixed(len(t.Owner)))
	t.ScheduledTime = r.u64()
	t.MaxGasAmount = r.u64()
	t.MaxGasUnitPrice = r.u64()
	t.PassAuth = r.bool()
	kind := r.str()
	payload := r.bytes()
	if err := r.done(); err != nil {
		return ScheduledTransaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	a, err := reg.Decode(kind, payload)
	if err != nil {
		return ScheduledTransaction{}, err
	}
	t.Action = a
	return t, nil
}
