package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable: scheduling is stopped.
	ErrUnavailable = errors.New("scheduling unavailable")
	// ErrInvalidSigner: caller is not the transaction owner.
	ErrInvalidSigner = errors.New("invalid signer")
	// ErrInvalidTime: target bucket is not strictly after the current one.
	ErrInvalidTime = errors.New("scheduled time must be in the future")
	// ErrLowGasPrice: max gas unit price is below MinGasUnitPrice.
	ErrLowGasPrice = errors.New("gas unit price below minimum")
	// ErrTooLarge: encoded transaction or deposit is too large.
	ErrTooLarge = errors.New("transaction too large")
	// ErrInvalidDigestSize: the hasher returned a digest that is not 32 bytes.
	ErrInvalidDigestSize = errors.New("invalid digest size")
	// ErrKeyNotFound: dispatch of a key that is not queued.
	ErrKeyNotFound = errors.New("schedule key not found")
	// ErrDuplicate: an identical transaction is already queued.
	ErrDuplicate = errors.New("transaction already scheduled")
	// ErrNotEmpty: restore into an engine that already holds entries.
	ErrNotEmpty = errors.New("engine is not empty")
	// ErrShutDown: the engine was shut down and cannot be restarted.
	ErrShutDown = fmt.Errorf("%w: engine was shut down", ErrUnavailable)
)
