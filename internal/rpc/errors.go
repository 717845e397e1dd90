package rpc

import (
	"errors"

	"github.com/creachadair/jrpc2"

	"schedtx/internal/ledger"
	"schedtx/internal/sched"
	"schedtx/internal/txn"
)

// JSON-RPC error codes returned for engine and ledger failures.
const (
	CodeUnavailable       = jrpc2.Code(-32001)
	CodeInvalidSigner     = jrpc2.Code(-32002)
	CodeInvalidTime       = jrpc2.Code(-32003)
	CodeLowGasPrice       = jrpc2.Code(-32004)
	CodeTooLarge          = jrpc2.Code(-32005)
	CodeInvalidDigestSize = jrpc2.Code(-32006)
	CodeKeyNotFound       = jrpc2.Code(-32007)
	CodeDuplicate         = jrpc2.Code(-32008)
	CodeInsufficientFunds = jrpc2.Code(-32009)
	CodeUnknownAccount    = jrpc2.Code(-32010)
	CodeInvalidParams     = jrpc2.Code(-32602)
)

var codeTable = []struct {
	err  error
	code jrpc2.Code
}{
	{sched.ErrUnavailable, CodeUnavailable},
	{sched.ErrInvalidSigner, CodeInvalidSigner},
	{sched.ErrInvalidTime, CodeInvalidTime},
	{sched.ErrLowGasPrice, CodeLowGasPrice},
	{sched.ErrTooLarge, CodeTooLarge},
	{sched.ErrInvalidDigestSize, CodeInvalidDigestSize},
	{sched.ErrKeyNotFound, CodeKeyNotFound},
	{sched.ErrDuplicate, CodeDuplicate},
	{ledger.ErrInsufficientFunds, CodeInsufficientFunds},
	{ledger.ErrUnknownAccount, CodeUnknownAccount},
	{txn.ErrUnknownAction, CodeInvalidParams},
	{txn.ErrBadAddress, CodeInvalidParams},
	{txn.ErrNilAction, CodeInvalidParams},
}

// toRPCError maps known sentinel errors to their codes. Unknown errors pass
// through and surface as internal errors.
func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	var je *jrpc2.Error
	if errors.As(err, &je) {
		return err
	}
	for _, m := range codeTable {
		if errors.Is(err, m.err) {
			return &jrpc2.Error{Code: m.code, Message: err.Error()}
		}
	}
	return err
}

func invalidParams(msg string) error {
	return &jrpc2.Error{Code: CodeInvalidParams, Message: msg}
}
