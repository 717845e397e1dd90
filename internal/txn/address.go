package txn

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Address identifies a ledger account.
type Address [32]byte

var ErrBadAddress = errors.New("invalid address")

// ParseAddress accepts hex with an optional 0x prefix. Short forms are
// left-padded with zeros, so "0x1" is the same account as its 64-digit form.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if raw == "" || len(raw) > 64 {
		return a, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	copy(a[len(a)-len(b):], b)
	return a, nil
}

// MustParseAddress panics on malformed input. Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Signer is proof that a request was authorized by Address. Only the
// authentication layer (RPC tokens, executor) mints signers.
type Signer struct {
	addr Address
}

func NewSigner(addr Address) Signer { return Signer{addr: addr} }

func (s Signer) Address() Address { return s.addr }
