package config

import (
	"reflect"
	"sort"
	"strings"

	"schedtx/internal/sched"
	logx "schedtx/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe log attrs (no
// tokens) and the changed sections that only take effect after a restart.
//
// Live sections: logging, engine.expiry_delta, engine.stop_scheduling.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if needsRestart {
			restart = append(restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oe, ne := oldCfg.Engine, newCfg.Engine
	if ExpiryDelta(oe) != ExpiryDelta(ne) || oe.StopScheduling != ne.StopScheduling {
		mark("engine", false,
			logx.Uint64("engine.expiry_delta", ExpiryDelta(ne)),
			logx.Bool("engine.stop_scheduling", ne.StopScheduling),
		)
	}
	if strings.TrimSpace(oe.StepInterval) != strings.TrimSpace(ne.StepInterval) ||
		strings.TrimSpace(oe.StepTimeout) != strings.TrimSpace(ne.StepTimeout) ||
		oe.OutcomeCache != ne.OutcomeCache {
		mark("engine.step", true,
			logx.String("engine.step_interval", ne.StepInterval),
			logx.String("engine.step_timeout", ne.StepTimeout),
			logx.Int("engine.outcome_cache", ne.OutcomeCache),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		mark("executor", true,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.String("executor.dispatch_timeout", newCfg.Executor.DispatchTimeout),
		)
	}

	var oldS, ns StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		ns = *newCfg.Storage
	}
	if oldS != ns || (oldCfg.Storage == nil) != (newCfg.Storage == nil) {
		mark("storage", true,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Int("storage.snapshot_every", ns.SnapshotEvery),
		)
	}

	or, nr := oldCfg.RPC, newCfg.RPC
	if or.Enabled != nr.Enabled || or.Addr != nr.Addr || or.AdminToken != nr.AdminToken ||
		!reflect.DeepEqual(or.Accounts, nr.Accounts) || !reflect.DeepEqual(or.AllowedOrigins, nr.AllowedOrigins) {
		mark("rpc", true,
			logx.Bool("rpc.enabled", nr.Enabled),
			logx.String("rpc.addr", nr.Addr),
			logx.Bool("rpc.admin_token_set", strings.TrimSpace(nr.AdminToken) != ""),
			logx.Int("rpc.account_count", len(nr.Accounts)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics", true,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if oldCfg.Ledger.EscrowAddress != newCfg.Ledger.EscrowAddress ||
		!reflect.DeepEqual(oldCfg.Ledger.Genesis, newCfg.Ledger.Genesis) {
		mark("ledger", true, logx.Int("ledger.genesis_count", len(newCfg.Ledger.Genesis)))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

// ExpiryDelta returns the configured delta or the engine default.
func ExpiryDelta(e EngineConfig) uint64 {
	if e.ExpiryDelta == nil {
		return sched.DefaultExpiryDelta
	}
	return *e.ExpiryDelta
}
