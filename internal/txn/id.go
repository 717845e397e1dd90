package txn

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IDSize is the digest length used for transaction ids.
const IDSize = 32

// ID is a 256-bit transaction identifier. Byte 0 is the least significant
// byte, so ordering matches the id read as a little-endian integer.
type ID [IDSize]byte

// Compare orders ids as unsigned 256-bit little-endian integers.
func (id ID) Compare(o ID) int {
	for i := IDSize - 1; i >= 0; i-- {
		switch {
		case id[i] < o[i]:
			return -1
		case id[i] > o[i]:
			return 1
		}
	}
	return 0
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid id %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hasher derives ids from canonical transaction bytes.
// Callers must check the digest length.
type Hasher interface {
	Digest(b []byte) []byte
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(b []byte) []byte

func (f HasherFunc) Digest(b []byte) []byte { return f(b) }

// SHA3Hasher hashes with SHA3-256.
type SHA3Hasher struct{}

func (SHA3Hasher) Digest(b []byte) []byte {
	sum := sha3.Sum256(b)
	return sum[:]
}
