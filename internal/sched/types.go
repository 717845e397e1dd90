package sched

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"schedtx/internal/txn"
)

const (
	// BucketMillis is the time-bucket width.
	BucketMillis = 100
	// MinGasUnitPrice is the fee floor.
	MinGasUnitPrice = 100
	// MaxTxnSize bounds the canonical encoding (exclusive).
	MaxTxnSize = 1 << 20
	// DefaultExpiryDelta is how many buckets an undispatched entry may lag
	// behind now before it is expired and refunded.
	DefaultExpiryDelta = 100
	// ReadyBatchCap bounds entries examined per ExtractReady call.
	ReadyBatchCap = 5000
	// ShutdownBatchCap bounds entries cancelled per Shutdown call.
	ShutdownBatchCap = 10000
	// ShardCount is the number of deferred-removal shards.
	ShardCount = 1024
)

// BucketOf rounds a unix-millisecond instant down to its bucket.
func BucketOf(ms uint64) uint64 { return ms / BucketMillis }

func bucketAt(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return BucketOf(uint64(ms))
}

// ScheduleKey orders queued entries: earliest bucket first, then highest fee,
// then id.
type ScheduleKey struct {
	TimeBucket   uint64
	PriorityRank uint64
	ID           txn.ID
}

// KeyFor builds the key for t given its id.
func KeyFor(t txn.ScheduledTransaction, id txn.ID) ScheduleKey {
	return ScheduleKey{
		TimeBucket:   BucketOf(t.ScheduledTime),
		PriorityRank: math.MaxUint64 - t.MaxGasUnitPrice,
		ID:           id,
	}
}

// Compare orders keys by time bucket, then priority rank, then id as a
// little-endian u256. It returns -1, 0 or +1.
func (k ScheduleKey) Compare(o ScheduleKey) int {
	switch {
	case k.TimeBucket < o.TimeBucket:
		return -1
	case k.TimeBucket > o.TimeBucket:
		return 1
	case k.PriorityRank < o.PriorityRank:
		return -1
	case k.PriorityRank > o.PriorityRank:
		return 1
	}
	return k.ID.Compare(o.ID)
}

// Less reports whether k is dispatched before o.
func (k ScheduleKey) Less(o ScheduleKey) bool { return k.Compare(o) < 0 }

// GasUnitPrice recovers the fee the key was ranked with.
func (k ScheduleKey) GasUnitPrice() uint64 { return math.MaxUint64 - k.PriorityRank }

// String renders "bucket:rank:id", the form accepted by ParseScheduleKey.
func (k ScheduleKey) String() string {
	return strconv.FormatUint(k.TimeBucket, 10) + ":" + strconv.FormatUint(k.PriorityRank, 10) + ":" + k.ID.String()
}

// ParseScheduleKey parses the "bucket:rank:id" form produced by String.
func ParseScheduleKey(s string) (ScheduleKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return ScheduleKey{}, fmt.Errorf("invalid schedule key %q: want bucket:rank:id", s)
	}
	bucket, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ScheduleKey{}, fmt.Errorf("invalid schedule key bucket: %w", err)
	}
	rank, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ScheduleKey{}, fmt.Errorf("invalid schedule key rank: %w", err)
	}
	id, err := txn.ParseID(parts[2])
	if err != nil {
		return ScheduleKey{}, err
	}
	return ScheduleKey{TimeBucket: bucket, PriorityRank: rank, ID: id}, nil
}

// MarshalText encodes k as its String form, so keys serve as JSON map keys.
func (k ScheduleKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the form written by MarshalText.
func (k *ScheduleKey) UnmarshalText(b []byte) error {
	v, err := ParseScheduleKey(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// DispatchInfo describes one ready entry handed to the executor.
type DispatchInfo struct {
	Owner           txn.Address
	MaxGasAmount    uint64
	MaxGasUnitPrice uint64
	ChargedPrice    uint64
	Key             ScheduleKey
}

// Reason says why an entry left the queue without running.
type Reason uint8

const (
	ReasonCancelled Reason = iota + 1
	ReasonExpired
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonExpired:
		return "expired"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Config is the engine-wide admin state.
type Config struct {
	StopScheduling bool   `json:"stop_scheduling"`
	ExpiryDelta    uint64 `json:"expiry_delta"`
}

func DefaultConfig() Config {
	return Config{ExpiryDelta: DefaultExpiryDelta}
}
