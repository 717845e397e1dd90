// Package node drives the scheduling engine once per step: extract what is
// due, run it on the executor, record outcomes and persist state.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"schedtx/internal/eventbus"
	"schedtx/internal/executor"
	"schedtx/internal/ledger"
	rtsup "schedtx/internal/runtime/supervisor"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

const EventStepCompleted = "step.completed"

type Config struct {
	// StepInterval is the step cadence. cron runs at most once per second.
	StepInterval time.Duration
	// StepTimeout bounds waiting for one step's dispatches. Dispatches still
	// running afterwards settle in the background and their keys are not
	// offered again until they do.
	StepTimeout time.Duration
	// SnapshotEvery saves state every n steps; 0 saves only on Stop.
	SnapshotEvery int
	// Notify sends sd_notify READY/STOPPING when running under systemd.
	Notify bool
}

func (c Config) withDefaults() Config {
	if c.StepInterval <= 0 {
		c.StepInterval = time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	return c
}

// StepReport describes one step.
type StepReport struct {
	Step       uint64                `json:"step"`
	At         time.Time             `json:"at"`
	Ready      int                   `json:"ready"`
	Skipped    int                   `json:"skipped,omitempty"`
	Unsettled  int                   `json:"unsettled,omitempty"`
	Dispatched int                   `json:"dispatched"`
	Failed     int                   `json:"failed"`
	Dropped    int                   `json:"dropped"`
	Shutdown   *sched.ShutdownReport `json:"shutdown,omitempty"`
	Saved      bool                  `json:"saved"`
	Duration   time.Duration         `json:"duration"`
}

type Status struct {
	Step             uint64            `json:"step"`
	Last             StepReport        `json:"last"`
	ShuttingDown     bool              `json:"shutting_down"`
	ShutdownComplete bool              `json:"shutdown_complete"`
	InFlight         int               `json:"in_flight"`
	Engine           sched.Stats       `json:"engine"`
	Executor         executor.Snapshot `json:"executor"`
	OutcomesCached   int               `json:"outcomes_cached"`
	OutcomesDropped  uint64            `json:"outcomes_dropped"`
}

type Driver struct {
	cfg      Config
	eng      *sched.Engine
	exec     *executor.Service
	accounts *ledger.Accounts
	store    storage.Store
	outcomes *Outcomes
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	stepMu sync.Mutex

	mu           sync.Mutex
	step         uint64
	last         StepReport
	shuttingDown bool
	shutdownDone bool
	cron         *cron.Cron
	sup          *rtsup.Supervisor

	// inflight holds keys handed to the executor whose result is not in yet.
	inflight map[sched.ScheduleKey]struct{}
	settling sync.WaitGroup
}

type Option func(*Driver)

func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

func WithStore(st storage.Store) Option { return func(d *Driver) { d.store = st } }

func WithBus(bus eventbus.Bus) Option { return func(d *Driver) { d.bus = bus } }

func New(cfg Config, eng *sched.Engine, exec *executor.Service, accounts *ledger.Accounts, outcomes *Outcomes, log logx.Logger, opts ...Option) *Driver {
	d := &Driver{
		cfg:      cfg.withDefaults(),
		eng:      eng,
		exec:     exec,
		accounts: accounts,
		outcomes: outcomes,
		log:      log.With(logx.String("comp", "node")),
		now:      time.Now,
		inflight: make(map[sched.ScheduleKey]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Restore loads the last saved state into an empty engine and ledger.
// It reports false when the store holds nothing.
func (d *Driver) Restore(ctx context.Context, reg *txn.Registry) (bool, error) {
	if d.store == nil {
		return false, nil
	}
	st, ok, err := d.store.LoadSnapshot(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := d.eng.Restore(st.Engine, reg); err != nil {
		return false, err
	}
	d.accounts.Restore(st.Accounts)
	d.mu.Lock()
	d.step = st.Step
	d.mu.Unlock()
	d.log.Info("state restored",
		logx.Uint64("step", st.Step),
		logx.Time("saved_at", st.SavedAt),
		logx.Int("entries", len(st.Engine.Entries)),
	)
	return true, nil
}

// Save persists engine and ledger state.
func (d *Driver) Save(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	var (
		balances []ledger.Balance
		running  []sched.ScheduleKey
	)
	snap, err := d.eng.SnapshotWith(func() {
		balances = d.accounts.Snapshot()
		running = d.inflightKeys()
	})
	if err != nil {
		return err
	}
	// A dispatch still running is saved as completed, so a restart never
	// runs it a second time.
	snap.Pending = mergeKeys(snap.Pending, running)
	d.mu.Lock()
	step := d.step
	d.mu.Unlock()
	return d.store.SaveSnapshot(ctx, storage.State{SavedAt: d.now(), Step: step, Engine: snap, Accounts: balances})
}

// RequestShutdown makes every following step run an engine shutdown pass
// until the queue is empty.
func (d *Driver) RequestShutdown() {
	d.mu.Lock()
	already := d.shuttingDown
	d.shuttingDown = true
	d.mu.Unlock()
	d.eng.BeginShutdown()
	if !already {
		d.log.Warn("engine shutdown requested")
	}
}

// Step runs one step. Steps never overlap.
func (d *Driver) Step(ctx context.Context) StepReport {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()

	start := time.Now()
	d.mu.Lock()
	d.step++
	rep := StepReport{Step: d.step, At: d.now()}
	shutting, done, busy := d.shuttingDown, d.shutdownDone, len(d.inflight)
	d.mu.Unlock()
	shutting = shutting || d.eng.ShutDown()

	switch {
	case shutting && busy > 0:
		// Refunding an entry that is still running would pay it twice.
		rep.Skipped = busy
		d.log.Debug("shutdown pass deferred", logx.Int("in_flight", busy))
	case shutting && (!done || d.eng.Len() > 0):
		sr := d.eng.Shutdown()
		rep.Shutdown = &sr
		if sr.Complete {
			d.mu.Lock()
			d.shutdownDone = true
			d.mu.Unlock()
		}
	case !shutting:
		d.runReady(ctx, &rep)
	}

	if n := d.cfg.SnapshotEvery; n > 0 && rep.Step%uint64(n) == 0 {
		if err := d.Save(ctx); err != nil {
			d.log.Error("snapshot save failed", logx.Uint64("step", rep.Step), logx.Err(err))
		} else {
			rep.Saved = true
		}
	}

	rep.Duration = time.Since(start)
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventStepCompleted, Data: rep})
	}
	if rep.Ready > 0 || rep.Shutdown != nil {
		d.log.Info("step",
			logx.Uint64("step", rep.Step),
			logx.Int("ready", rep.Ready),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("failed", rep.Failed),
			logx.Int("dropped", rep.Dropped),
			logx.Duration("dur", rep.Duration),
		)
	}
	return rep
}

func (d *Driver) runReady(ctx context.Context, rep *StepReport) {
	ready := d.claim(d.eng.ExtractReady(rep.At), rep)
	rep.Ready = len(ready)
	if len(ready) == 0 {
		return
	}
	for _, info := range ready {
		d.outcomes.Record(info.Key, info.Owner, StateReady, nil)
	}

	wctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()
	d.settling.Add(1)
	batch := d.exec.Submit(wctx, ready)
	if err := batch.Wait(wctx); err != nil {
		rep.Unsettled = len(ready) - len(batch.Results())
		d.log.Warn("step wait interrupted; dispatches settle in the background",
			logx.Int("unsettled", rep.Unsettled), logx.Err(err))
		go func() {
			defer d.settling.Done()
			<-batch.Done()
			d.settle(batch.Results(), nil)
		}()
		return
	}
	defer d.settling.Done()
	d.settle(batch.Results(), rep)
}

// claim drops keys whose previous dispatch has not settled and marks the
// rest in flight.
func (d *Driver) claim(ready []sched.DispatchInfo, rep *StepReport) []sched.DispatchInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := ready[:0]
	for _, info := range ready {
		if _, busy := d.inflight[info.Key]; busy {
			rep.Skipped++
			continue
		}
		d.inflight[info.Key] = struct{}{}
		out = append(out, info)
	}
	return out
}

// settle records results and releases their keys. rep may be nil when the
// step already returned.
func (d *Driver) settle(results []executor.Result, rep *StepReport) {
	tally := rep
	if tally == nil {
		tally = &StepReport{}
	}
	for _, r := range results {
		switch {
		case r.Dropped:
			tally.Dropped++
		case r.Err != nil:
			tally.Failed++
			d.outcomes.Record(r.Key, r.Owner, StateFailed, r.Err)
		default:
			tally.Dispatched++
			d.outcomes.Record(r.Key, r.Owner, StateDispatched, nil)
		}
	}
	d.mu.Lock()
	for _, r := range results {
		delete(d.inflight, r.Key)
	}
	d.mu.Unlock()
	if rep == nil {
		d.log.Info("late dispatches settled",
			logx.Int("dispatched", tally.Dispatched),
			logx.Int("failed", tally.Failed),
			logx.Int("dropped", tally.Dropped),
		)
	}
}

func (d *Driver) inflightKeys() []sched.ScheduleKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sched.ScheduleKey, 0, len(d.inflight))
	for k := range d.inflight {
		out = append(out, k)
	}
	return out
}

func mergeKeys(a, b []sched.ScheduleKey) []sched.ScheduleKey {
	if len(b) == 0 {
		return a
	}
	seen := make(map[sched.ScheduleKey]struct{}, len(a)+len(b))
	out := make([]sched.ScheduleKey, 0, len(a)+len(b))
	for _, list := range [][]sched.ScheduleKey{a, b} {
		for _, k := range list {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Start begins stepping on the cron cadence and starts the outcome log
// writer. Call Restore first when resuming.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("node already started")
	}

	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	if d.store != nil {
		d.sup.GoRestart("outcome.writer", d.writeOutcomes, rtsup.WithPublishFirstError(true))
	}

	cl := cronLogger{log: d.log}
	d.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	stepCtx := d.sup.Context()
	d.cron.Schedule(cron.Every(d.cfg.StepInterval), cron.FuncJob(func() { d.Step(stepCtx) }))
	d.cron.Start()

	if d.cfg.Notify {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			d.log.Warn("sd_notify ready failed", logx.Err(err))
		} else if ok {
			d.log.Debug("sd_notify ready sent")
		}
	}
	d.log.Info("node started", logx.Duration("step_interval", d.cfg.StepInterval), logx.Int("snapshot_every", d.cfg.SnapshotEvery))
	return nil
}

// Stop halts stepping, waits for the running step and for dispatches still
// settling, then saves state.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, sup := d.cron, d.sup
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	if d.cfg.Notify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		d.log.Warn("node stop: step still running", logx.Err(ctx.Err()))
	}
	settled := make(chan struct{})
	go func() {
		d.settling.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		d.log.Warn("node stop: dispatches still running", logx.Int("in_flight", len(d.inflightKeys())))
	}
	saveErr := d.Save(ctx)
	if saveErr != nil {
		d.log.Error("final snapshot save failed", logx.Err(saveErr))
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("node supervisor stop", logx.Err(err))
	}
	d.log.Info("node stopped")
	return saveErr
}

// writeOutcomes appends queued outcomes to the store until ctx ends, then
// flushes what is left.
func (d *Driver) writeOutcomes(ctx context.Context) error {
	for {
		select {
		case o := <-d.outcomes.pending:
			if err := d.store.AppendOutcome(ctx, o); err != nil {
				d.log.Warn("outcome append failed", logx.Stringer("key", o.Key), logx.Err(err))
			}
		case <-ctx.Done():
			d.flushOutcomes()
			return ctx.Err()
		}
	}
}

func (d *Driver) flushOutcomes() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case o := <-d.outcomes.pending:
			if err := d.store.AppendOutcome(ctx, o); err != nil {
				return
			}
		default:
			return
		}
	}
}

// RecordQueued notes an accepted insert.
func (d *Driver) RecordQueued(key sched.ScheduleKey, owner txn.Address) {
	d.outcomes.Record(key, owner, StateQueued, nil)
}

// RecordCancel notes a cancel; the engine reports cancels to the caller only.
func (d *Driver) RecordCancel(key sched.ScheduleKey, owner txn.Address) {
	d.outcomes.Record(key, owner, StateCancelled, nil)
}

func (d *Driver) Outcome(key sched.ScheduleKey) (storage.Outcome, bool) {
	return d.outcomes.Get(key)
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	st := Status{
		Step:             d.step,
		Last:             d.last,
		ShuttingDown:     d.shuttingDown,
		ShutdownComplete: d.shutdownDone,
		InFlight:         len(d.inflight),
	}
	d.mu.Unlock()
	st.ShuttingDown = st.ShuttingDown || d.eng.ShutDown()
	st.Engine = d.eng.Stats()
	if d.exec != nil {
		st.Executor = d.exec.Snapshot()
	}
	st.OutcomesCached = d.outcomes.Len()
	st.OutcomesDropped = d.outcomes.Dropped()
	return st
}
