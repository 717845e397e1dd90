package txn

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownAction = errors.New("unknown action kind")
	ErrAuthRequired  = errors.New("action requires authorization")
	ErrNilAction     = errors.New("action is nil")
)

// Env is what an action may touch while it runs.
type Env interface {
	Transfer(from, to Address, amount uint64) error
	Note(auth *Signer, memo string)
}

// Action is the deferred work carried by a scheduled transaction. Actions are
// plain values: they persist through MarshalBinary and are rebuilt from their
// Kind via a Registry.
type Action interface {
	Kind() string
	Run(ctx context.Context, env Env, auth *Signer) error
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Registry maps action kinds to constructors.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]func() Action
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]func() Action{}}
}

// DefaultRegistry returns a registry with the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindTransfer, func() Action { return &Transfer{} })
	r.MustRegister(KindNote, func() Action { return &Note{} })
	r.MustRegister(KindNoop, func() Action { return &Noop{} })
	return r
}

func (r *Registry) Register(kind string, fn func() Action) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || fn == nil {
		return fmt.Errorf("register action: kind and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("register action: %q already registered", kind)
	}
	r.kinds[kind] = fn
	return nil
}

func (r *Registry) MustRegister(kind string, fn func() Action) {
	if err := r.Register(kind, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) new(kind string) (Action, error) {
	r.mu.RLock()
	fn := r.kinds[kind]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
	return fn(), nil
}

// Decode rebuilds an action from its binary payload.
func (r *Registry) Decode(kind string, payload []byte) (Action, error) {
	a, err := r.new(kind)
	if err != nil {
		return nil, err
	}
	if err := a.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("decode %s action: %w", kind, err)
	}
	return a, nil
}

// DecodeJSON builds an action from JSON arguments (RPC and config input).
func (r *Registry) DecodeJSON(kind string, args json.RawMessage) (Action, error) {
	a, err := r.new(kind)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, a); err != nil {
			return nil, fmt.Errorf("decode %s action: %w", kind, err)
		}
	}
	return a, nil
}

// ---- built-in kinds ----

const (
	KindTransfer = "transfer"
	KindNote     = "note"
	KindNoop     = "noop"
)

// Transfer moves Amount from the authorizing account to To.
type Transfer struct {
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}

func (*Transfer) Kind() string { return KindTransfer }

func (t *Transfer) Run(_ context.Context, env Env, auth *Signer) error {
	if auth == nil {
		return ErrAuthRequired
	}
	return env.Transfer(auth.Address(), t.To, t.Amount)
}

func (t *Transfer) MarshalBinary() ([]byte, error) {
	var w writer
	w.raw(t.To[:])
	w.u64(t.Amount)
	return w.buf, nil
}

func (t *Transfer) UnmarshalBinary(b []byte) error {
	r := reader{buf: b}
	copy(t.To[:], r.fixed(len(t.To)))
	t.Amount = r.u64()
	return r.done()
}

// Note records a memo in the outcome log.
type Note struct {
	Memo string `json:"memo"`
}

func (*Note) Kind() string { return KindNote }

func (n *Note) Run(_ context.Context, env Env, auth *Signer) error {
	env.Note(auth, n.Memo)
	return nil
}

func (n *Note) MarshalBinary() ([]byte, error) {
	var w writer
	w.str(n.Memo)
	return w.buf, nil
}

func (n *Note) UnmarshalBinary(b []byte) error {
	r := reader{buf: b}
	n.Memo = r.str()
	return r.done()
}

// Noop does nothing. Useful to reserve a slot or to measure dispatch latency.
type Noop struct{}

func (*Noop) Kind() string                            { return KindNoop }
func (*Noop) Run(context.Context, Env, *Signer) error { return nil }
func (*Noop) MarshalBinary() ([]byte, error)          { return nil, nil }
func (*Noop) UnmarshalBinary(b []byte) error {
	if len(b) != 0 {
		return errTrailing
	}
	return nil
}
