package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	alice = MustParseAddress("0xa11ce")
	bob   = MustParseAddress("0xb0b")
)

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	tests := []struct {
		name string
		txn  ScheduledTransaction
	}{
		{name: "transfer", txn: New(alice, 1_700_000_002_000, 10_000, 200, true, &Transfer{To: bob, Amount: 42})},
		{name: "note", txn: New(alice, 5, 1, 100, false, &Note{Memo: "hello"})},
		{name: "noop", txn: New(bob, math.MaxUint64, 0, math.MaxUint64, false, &Noop{})},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := Marshal(tt.txn)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			got, err := Unmarshal(reg, raw)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if diff := cmp.Diff(tt.txn, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
			again, _ := Marshal(got)
			if !bytes.Equal(raw, again) {
				t.Fatalf("encoding is not stable")
			}
		})
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	t.Parallel()
	a, _ := Marshal(New(alice, 1000, 10, 100, false, &Note{Memo: "x"}))
	b, _ := Marshal(New(alice, 1000, 10, 100, false, &Note{Memo: "x"}))
	c, _ := Marshal(New(alice, 1000, 10, 101, false, &Note{Memo: "x"}))
	if !bytes.Equal(a, b) {
		t.Fatalf("identical transactions encode differently")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different prices encode identically")
	}
	if len(a) < 32+8*3+1 {
		t.Fatalf("encoding too short: %d", len(a))
	}
	if !bytes.Equal(a[:32], alice[:]) {
		t.Fatalf("owner must lead the encoding")
	}
}

func TestMarshalNilAction(t *testing.T) {
	t.Parallel()
	if _, err := Marshal(New(alice, 1, 1, 100, false, nil)); !errors.Is(err, ErrNilAction) {
		t.Fatalf("Marshal(nil action) err = %v, want %v", err, ErrNilAction)
	}
}

func TestUnmarshalRejectsCorruptInput(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	raw, _ := Marshal(New(alice, 1000, 10, 100, false, &Note{Memo: "memo"}))

	if _, err := Unmarshal(reg, raw[:len(raw)-1]); err == nil {
		t.Fatal("expected error for truncated input")
	}
	if _, err := Unmarshal(reg, append(append([]byte(nil), raw...), 0)); err == nil {
		t.Fatal("expected error for trailing bytes")
	}

	unknown, _ := Marshal(New(alice, 1000, 10, 100, false, &Note{Memo: "memo"}))
	if _, err := Unmarshal(NewRegistry(), unknown); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("Unmarshal with empty registry err = %v, want %v", err, ErrUnknownAction)
	}
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	if got, ok := New(alice, 0, 10_000, 200, false, nil).Deposit(); !ok || got != 2_000_000 {
		t.Fatalf("Deposit = %d (ok=%v), want 2000000", got, ok)
	}
	if _, ok := New(alice, 0, math.MaxUint64, 200, false, nil).Deposit(); ok {
		t.Fatal("expected overflow")
	}
}

func TestIDCompareLittleEndian(t *testing.T) {
	t.Parallel()
	var lowByteBig, highByteSmall ID
	lowByteBig[0] = 0xff
	highByteSmall[31] = 0x01
	if lowByteBig.Compare(highByteSmall) >= 0 {
		t.Fatalf("byte 31 must dominate ordering")
	}
	if highByteSmall.Compare(lowByteBig) <= 0 {
		t.Fatalf("Compare is not antisymmetric")
	}
	if lowByteBig.Compare(lowByteBig) != 0 {
		t.Fatalf("Compare(self) != 0")
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	var id ID
	copy(id[:], SHA3Hasher{}.Digest([]byte("x")))
	got, err := ParseID(id.String())
	if err != nil || got != id {
		t.Fatalf("ParseID(%s) = %v, %v", id, got, err)
	}
	if _, err := ParseID("abcd"); err == nil {
		t.Fatal("expected error for short id")
	}
}

func TestSHA3HasherDigestSize(t *testing.T) {
	t.Parallel()
	if n := len(SHA3Hasher{}.Digest([]byte("payload"))); n != IDSize {
		t.Fatalf("digest size = %d, want %d", n, IDSize)
	}
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		ok   bool
		want Address
	}{
		{in: "0x1", ok: true, want: Address{31: 1}},
		{in: "0X0b0b", ok: true, want: bob},
		{in: "", ok: false},
		{in: "0xzz", ok: false},
		{in: "0x" + string(bytes.Repeat([]byte("1"), 65)), ok: false},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseAddress(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseAddress(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAddressJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(map[string]Address{"a": alice})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]Address
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"] != alice {
		t.Fatalf("address = %s, want %s", out["a"], alice)
	}
}

type recordingEnv struct {
	from, to Address
	amount   uint64
	notes    []string
}

func (e *recordingEnv) Transfer(from, to Address, amount uint64) error {
	e.from, e.to, e.amount = from, to, amount
	return nil
}

func (e *recordingEnv) Note(_ *Signer, memo string) { e.notes = append(e.notes, memo) }

func TestTransferRequiresAuth(t *testing.T) {
	t.Parallel()
	env := &recordingEnv{}
	act := &Transfer{To: bob, Amount: 7}
	if err := act.Run(context.Background(), env, nil); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Run without auth err = %v, want %v", err, ErrAuthRequired)
	}
	signer := NewSigner(alice)
	if err := act.Run(context.Background(), env, &signer); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if env.from != alice || env.to != bob || env.amount != 7 {
		t.Fatalf("transfer = %s->%s %d, want %s->%s 7", env.from, env.to, env.amount, alice, bob)
	}
}

func TestRegistryDecodeJSON(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	a, err := reg.DecodeJSON(KindTransfer, json.RawMessage(`{"to":"0xb0b","amount":5}`))
	if err != nil {
		t.Fatalf("DecodeJSON error: %v", err)
	}
	tr, ok := a.(*Transfer)
	if !ok || tr.To != bob || tr.Amount != 5 {
		t.Fatalf("DecodeJSON = %#v", a)
	}
	if _, err := reg.DecodeJSON("launch", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if err := reg.Register(KindNoop, func() Action { return &Noop{} }); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if diff := cmp.Diff([]string{KindNoop, KindNote, KindTransfer}, reg.Kinds()); diff != "" {
		t.Fatalf("Kinds mismatch (-want +got):\n%s", diff)
	}
}
