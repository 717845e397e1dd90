// Package app wires the daemon: config, logging, storage, ledger, engine,
// executor, step driver, RPC and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"schedtx/internal/config"
	"schedtx/internal/eventbus"
	"schedtx/internal/executor"
	"schedtx/internal/httpserv"
	"schedtx/internal/ledger"
	"schedtx/internal/metrics"
	"schedtx/internal/node"
	"schedtx/internal/rpc"
	rtsup "schedtx/internal/runtime/supervisor"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	accounts *ledger.Accounts
	engine   *sched.Engine
	exec     *executor.Service
	outcomes *node.Outcomes
	driver   *node.Driver
	restored bool

	rpc         *rpc.Server
	rpcHTTP     *httpserv.Service
	metrics     *metrics.Metrics
	metricsHTTP *httpserv.Service

	sup *rtsup.Supervisor
}

type options struct {
	fs     afero.Fs
	notify bool
	now    func() time.Time
}

type Option func(*options)

// WithFs backs the config file and the file storage driver.
func WithFs(fs afero.Fs) Option { return func(o *options) { o.fs = fs } }

// WithNotify enables sd_notify readiness signalling.
func WithNotify(enabled bool) Option { return func(o *options) { o.notify = enabled } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads the config, restores persisted state (or seeds genesis balances)
// and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath).WithFs(o.fs)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	log := a.logs.Logger()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		sc.Fs = o.fs
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	escrow, err := txn.ParseAddress(cfg.Ledger.EscrowAddress)
	if err != nil {
		return fmt.Errorf("ledger.escrow_address: %w", err)
	}
	a.accounts = ledger.NewAccounts()
	a.outcomes, err = node.NewOutcomes(cfg.Engine.OutcomeCache, a.bus)
	if err != nil {
		return err
	}
	a.engine = sched.New(a.accounts, escrow,
		sched.WithEmitter(a.outcomes),
		sched.WithLogger(log.With(logx.String("comp", "engine"))),
		sched.WithClock(o.now),
		sched.WithConfig(mapEngineConfig(cfg)),
	)

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return err
	}
	a.exec = executor.New(execCfg, a.engine, log.With(logx.String("comp", "executor")), a.bus)

	nodeCfg, err := mapNodeConfig(cfg, o.notify)
	if err != nil {
		return err
	}
	a.driver = node.New(nodeCfg, a.engine, a.exec, a.accounts, a.outcomes, log,
		node.WithStore(a.store), node.WithBus(a.bus), node.WithClock(o.now))

	if err := a.restoreOrSeed(cfg, escrow); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.engine, log)
		a.metricsHTTP = httpserv.New(httpserv.Config{Name: "metrics", Addr: cfg.Metrics.Addr},
			a.metrics.Handler(cfg.Metrics.Path, cfg.Metrics.Pprof), log)
	}

	if cfg.RPC.Enabled {
		accounts, err := mapRPCAccounts(cfg)
		if err != nil {
			return err
		}
		a.rpc, err = rpc.New(rpc.Config{
			AdminToken:     cfg.RPC.AdminToken,
			Accounts:       accounts,
			AllowedOrigins: cfg.RPC.AllowedOrigins,
		}, rpc.Deps{
			Engine:   a.engine,
			Accounts: a.accounts,
			Driver:   a.driver,
			Bus:      a.bus,
			Registry: txn.DefaultRegistry(),
		}, log)
		if err != nil {
			return err
		}
		a.rpcHTTP = httpserv.New(httpserv.Config{Name: "rpc", Addr: cfg.RPC.Addr}, a.rpc.Handler(), log)
	}
	return nil
}

// restoreOrSeed loads the last snapshot. Without one, genesis balances are
// credited. The file's engine settings win over the snapshot's.
func (a *App) restoreOrSeed(cfg *config.Config, escrow txn.Address) error {
	ok, err := a.driver.Restore(context.Background(), txn.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	a.restored = ok
	if !ok {
		for _, g := range cfg.Ledger.Genesis {
			addr, err := txn.ParseAddress(g.Address)
			if err != nil {
				return err
			}
			if err := a.accounts.Credit(addr, g.Balance); err != nil {
				return fmt.Errorf("genesis %s: %w", addr, err)
			}
		}
		a.log.Info("genesis applied", logx.Int("accounts", len(cfg.Ledger.Genesis)))
	}
	a.accounts.Open(escrow)
	ec := mapEngineConfig(cfg)
	if err := a.engine.SetStop(ec.StopScheduling); err != nil {
		a.log.Warn("engine.stop_scheduling ignored", logx.Err(err))
	}
	a.engine.SetExpiryDelta(ec.ExpiryDelta)
	return nil
}

func (a *App) Engine() *sched.Engine      { return a.engine }
func (a *App) Accounts() *ledger.Accounts { return a.accounts }
func (a *App) Driver() *node.Driver       { return a.driver }
func (a *App) Restored() bool             { return a.restored }

// RPCAddr returns the bound RPC address once listening.
func (a *App) RPCAddr(ctx context.Context) (string, error) {
	if a.rpcHTTP == nil {
		return "", errors.New("rpc disabled")
	}
	return a.rpcHTTP.Addr(ctx)
}

// MetricsAddr returns the bound metrics address once listening.
func (a *App) MetricsAddr(ctx context.Context) (string, error) {
	if a.metricsHTTP == nil {
		return "", errors.New("metrics disabled")
	}
	return a.metricsHTTP.Addr(ctx)
}

// Done is closed when the app supervisor ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		_, err := mapNodeConfig(cfg, false)
		return err
	})

	a.exec.Start(run)
	if err := a.driver.Start(run); err != nil {
		return err
	}
	if a.metricsHTTP != nil {
		a.metricsHTTP.Start(run)
		a.sup.Go0("metrics.follow", func(c context.Context) { a.metrics.Follow(c, a.bus) })
	}
	if a.rpcHTTP != nil {
		a.rpcHTTP.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("restored", a.restored),
		logx.Int("queued", a.engine.Len()),
		logx.Bool("rpc", a.rpcHTTP != nil),
		logx.Bool("metrics", a.metricsHTTP != nil),
	)
	return nil
}

// applyConfig applies the live sections of next and warns about the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload: no effective changes")
		return
	}
	a.logs.Apply(mapLogConfig(next))
	// Engine fields are applied only when the file changed them, so an
	// unrelated edit does not undo an admin call made since the last load.
	pe, ne := prev.Engine, next.Engine
	if pe.StopScheduling != ne.StopScheduling {
		if err := a.engine.SetStop(ne.StopScheduling); err != nil {
			a.log.Warn("engine.stop_scheduling ignored", logx.Err(err))
		}
	}
	if config.ExpiryDelta(pe) != config.ExpiryDelta(ne) {
		a.engine.SetExpiryDelta(config.ExpiryDelta(ne))
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		var err error
		if a.store != nil {
			err = a.store.Close()
		}
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("rpc", 2*time.Second, func(c context.Context) error {
		if a.rpcHTTP == nil {
			return nil
		}
		a.rpcHTTP.Stop(c)
		return a.rpc.Close()
	})
	step("node", 35*time.Second, a.driver.Stop)
	step("executor", 5*time.Second, a.exec.Stop)
	step("metrics", time.Second, func(c context.Context) error {
		if a.metricsHTTP != nil {
			a.metricsHTTP.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
