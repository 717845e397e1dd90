package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"schedtx/internal/eventbus"
	"schedtx/internal/executor"
	"schedtx/internal/ledger"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

var (
	alice  = txn.MustParseAddress("0xa11ce")
	bob    = txn.MustParseAddress("0xb0b")
	holder = txn.MustParseAddress("0xe5c0")
	t0     = time.UnixMilli(1_700_000_000_000)
)

type harness struct {
	now      time.Time
	accounts *ledger.Accounts
	eng      *sched.Engine
	exec     *executor.Service
	outcomes *Outcomes
	store    storage.Store
	bus      eventbus.Bus
	drv      *Driver
}

func newHarness(t *testing.T, fs afero.Fs) *harness {
	t.Helper()
	h := &harness{now: t0, accounts: ledger.NewAccounts(), bus: eventbus.New()}
	clock := func() time.Time { return h.now }
	for _, a := range []txn.Address{alice, bob} {
		if err := h.accounts.Credit(a, 1_000_000); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	var err error
	h.outcomes, err = NewOutcomes(128, h.bus)
	if err != nil {
		t.Fatalf("NewOutcomes: %v", err)
	}
	h.eng = sched.New(h.accounts, holder, sched.WithEmitter(h.outcomes), sched.WithClock(clock))
	h.exec = executor.New(executor.Config{Workers: 2}, h.eng, logx.Nop(), h.bus)
	h.exec.Start(context.Background())
	t.Cleanup(func() { _ = h.exec.Stop(context.Background()) })

	h.store, err = storage.Open(storage.Config{Driver: "file", Path: "/var/lib/schedtx/state", Fs: fs}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.store.Close() })

	h.drv = New(Config{SnapshotEvery: 2}, h.eng, h.exec, h.accounts, h.outcomes, logx.Nop(),
		WithClock(clock), WithStore(h.store), WithBus(h.bus))
	return h
}

func (h *harness) insert(t *testing.T, tx txn.ScheduledTransaction) sched.ScheduleKey {
	t.Helper()
	k, err := h.eng.Insert(txn.NewSigner(tx.Owner), tx)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	h.drv.RecordQueued(k, tx.Owner)
	return k
}

func TestStepDispatchesAndRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, afero.NewMemMapFs())
	ctx := context.Background()

	pay := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+200, 10, 100, true, &txn.Transfer{To: bob, Amount: 250}))
	broke := h.insert(t, txn.New(bob, uint64(t0.UnixMilli())+300, 10, 100, true, &txn.Transfer{To: alice, Amount: 5_000_000}))
	later := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+60_000, 1, 100, false, &txn.Note{Memo: "later"}))

	if o, _ := h.drv.Outcome(later); o.State != StateQueued {
		t.Fatalf("later state = %q, want queued", o.State)
	}

	h.now = t0.Add(time.Second)
	rep := h.drv.Step(ctx)
	if rep.Ready != 2 || rep.Dispatched != 1 || rep.Failed != 1 || rep.Dropped != 0 {
		t.Fatalf("step report = %+v", rep)
	}
	if o, _ := h.drv.Outcome(pay); o.State != StateDispatched {
		t.Fatalf("pay state = %q, want dispatched", o.State)
	}
	if o, _ := h.drv.Outcome(broke); o.State != StateFailed || o.Error == "" {
		t.Fatalf("broke outcome = %+v, want failed with error", o)
	}
	if got, _ := h.accounts.Balance(bob); got != 1_000_000-1000+250 {
		t.Fatalf("bob = %d", got)
	}

	rep = h.drv.Step(ctx)
	if rep.Ready != 0 || !rep.Saved {
		t.Fatalf("second step = %+v, want nothing ready and a save", rep)
	}
	if st := h.drv.Status(); st.Engine.QueueDepth != 1 || st.Engine.Purged != 2 || st.Step != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestShutdownSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, afero.NewMemMapFs())
	events, unsub := h.bus.Subscribe(16, "txn.", "shutdown.")
	defer unsub()

	k := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+60_000, 3, 100, false, &txn.Noop{}))
	h.drv.RequestShutdown()
	rep := h.drv.Step(context.Background())
	if rep.Shutdown == nil || !rep.Shutdown.Complete || rep.Shutdown.Removed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if o, _ := h.drv.Outcome(k); o.State != StateShutdown {
		t.Fatalf("state = %q, want shutdown", o.State)
	}
	if got, _ := h.accounts.Balance(alice); got != 1_000_000 {
		t.Fatalf("alice = %d, want refund", got)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != sched.EventTransactionFailed || types[1] != sched.EventShutdownComplete {
		t.Fatalf("events = %v", types)
	}
	if again := h.drv.Step(context.Background()); again.Shutdown != nil || again.Ready != 0 {
		t.Fatalf("step after shutdown = %+v", again)
	}
	if st := h.drv.Status(); !st.ShutdownComplete {
		t.Fatalf("status = %+v", st)
	}
}

func TestSaveAndRestore(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	h := newHarness(t, fs)
	k := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+500, 4, 100, false, &txn.Note{Memo: "keep"}))
	if err := h.drv.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	g := newHarness(t, fs)
	ok, err := g.drv.Restore(context.Background(), txn.DefaultRegistry())
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if _, found := g.eng.Get(k); !found {
		t.Fatal("restored engine lost the entry")
	}
	if got, _ := g.accounts.Balance(holder); got != 400 {
		t.Fatalf("holder = %d, want 400", got)
	}
	if got, _ := g.accounts.Balance(alice); got != 1_000_000-400 {
		t.Fatalf("alice = %d", got)
	}
}

func TestOutcomeWriter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, afero.NewMemMapFs())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+100, 1, 100, false, &txn.Noop{}))
	h.now = t0.Add(500 * time.Millisecond)
	h.drv.Step(ctx)

	if err := h.drv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	var got []storage.Outcome
	for time.Now().Before(deadline) {
		got, _ = h.store.Outcomes(ctx, 0)
		if len(got) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.drv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(got) != 1 || got[0].Key != k || got[0].State != StateDispatched {
		t.Fatalf("outcomes = %+v", got)
	}
}

// gatedAction blocks until release is closed and counts its runs.
type gatedAction struct {
	runs    *atomic.Int32
	release <-chan struct{}
}

func (*gatedAction) Kind() string { return "test.gated" }

func (g *gatedAction) Run(ctx context.Context, _ txn.Env, _ *txn.Signer) error {
	g.runs.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil
}

func (*gatedAction) MarshalBinary() ([]byte, error) { return nil, nil }
func (*gatedAction) UnmarshalBinary([]byte) error   { return nil }

type gate struct {
	runs    atomic.Int32
	release chan struct{}
	once    sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) action() txn.Action { return &gatedAction{runs: &g.runs, release: g.release} }

func gatedRegistry() *txn.Registry {
	reg := txn.DefaultRegistry()
	reg.MustRegister("test.gated", func() txn.Action { return &gatedAction{} })
	return reg
}

func (h *harness) withStepTimeout(d time.Duration) {
	clock := func() time.Time { return h.now }
	h.drv = New(Config{StepTimeout: d}, h.eng, h.exec, h.accounts, h.outcomes, logx.Nop(),
		WithClock(clock), WithStore(h.store), WithBus(h.bus))
}

func waitSettled(t *testing.T, d *Driver) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Status().InFlight > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatches never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimedOutStepDoesNotRedispatch(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	h := newHarness(t, fs)
	h.withStepTimeout(50 * time.Millisecond)
	g := newGate(t)
	ctx := context.Background()

	k := h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+200, 10, 100, false, g.action()))
	h.now = t0.Add(time.Second)

	first := h.drv.Step(ctx)
	if first.Ready != 1 || first.Unsettled != 1 {
		t.Fatalf("first step = %+v, want one unsettled dispatch", first)
	}
	second := h.drv.Step(ctx)
	if second.Ready != 0 || second.Skipped != 1 {
		t.Fatalf("second step = %+v, want the running key skipped", second)
	}
	if st := h.drv.Status(); st.InFlight != 1 {
		t.Fatalf("in flight = %d, want 1", st.InFlight)
	}

	// A snapshot taken now must not let a restart run the entry again.
	if err := h.drv.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r := newHarness(t, fs)
	if ok, err := r.drv.Restore(ctx, gatedRegistry()); err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	r.now = h.now
	if rep := r.drv.Step(ctx); rep.Ready != 0 {
		t.Fatalf("restored step = %+v, want nothing ready", rep)
	}
	if st := r.eng.Stats(); st.QueueDepth != 0 || st.EscrowConsumed != 1000 {
		t.Fatalf("restored stats = %+v", st)
	}

	g.open()
	waitSettled(t, h.drv)
	if third := h.drv.Step(ctx); third.Ready != 0 {
		t.Fatalf("step after settle = %+v", third)
	}
	if n := g.runs.Load(); n != 1 {
		t.Fatalf("action ran %d times, want 1", n)
	}
	if o, _ := h.drv.Outcome(k); o.State != StateDispatched {
		t.Fatalf("state = %q, want dispatched", o.State)
	}
	if h.eng.Len() != 0 {
		t.Fatalf("queue len = %d", h.eng.Len())
	}
}

func TestShutdownWaitsForRunningDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, afero.NewMemMapFs())
	h.withStepTimeout(50 * time.Millisecond)
	g := newGate(t)
	ctx := context.Background()

	h.insert(t, txn.New(alice, uint64(t0.UnixMilli())+200, 10, 100, false, g.action()))
	h.now = t0.Add(time.Second)
	if rep := h.drv.Step(ctx); rep.Unsettled != 1 {
		t.Fatalf("step = %+v", rep)
	}

	h.drv.RequestShutdown()
	if rep := h.drv.Step(ctx); rep.Shutdown != nil || rep.Skipped != 1 {
		t.Fatalf("shutdown pass ran over a running dispatch: %+v", rep)
	}

	g.open()
	waitSettled(t, h.drv)
	rep := h.drv.Step(ctx)
	if rep.Shutdown == nil || !rep.Shutdown.Complete || rep.Shutdown.Removed != 0 || rep.Shutdown.Purged != 1 {
		t.Fatalf("shutdown report = %+v", rep.Shutdown)
	}
	if got, _ := h.accounts.Balance(alice); got != 1_000_000-1000 {
		t.Fatalf("alice = %d, want deposit consumed, not refunded", got)
	}
	if n := g.runs.Load(); n != 1 {
		t.Fatalf("action ran %d times", n)
	}
}

func TestShutdownCannotBeReopened(t *testing.T) {
	t.Parallel()
	h := newHarness(t, afero.NewMemMapFs())
	ctx := context.Background()

	h.drv.RequestShutdown()
	if rep := h.drv.Step(ctx); rep.Shutdown == nil || !rep.Shutdown.Complete {
		t.Fatalf("report = %+v", rep)
	}
	if err := h.eng.SetStop(false); !errors.Is(err, sched.ErrShutDown) {
		t.Fatalf("SetStop(false) err = %v", err)
	}
	_, err := h.eng.Insert(txn.NewSigner(alice), txn.New(alice, uint64(t0.UnixMilli())+500, 10, 200, false, &txn.Noop{}))
	if !errors.Is(err, sched.ErrUnavailable) {
		t.Fatalf("Insert after shutdown err = %v", err)
	}
	for i := 0; i < 5; i++ {
		h.now = h.now.Add(10 * time.Second)
		h.drv.Step(ctx)
	}
	if st := h.drv.Status(); st.Engine.QueueDepth != 0 || st.Engine.EscrowHeld != 0 || !st.ShuttingDown {
		t.Fatalf("status = %+v", st)
	}
}
