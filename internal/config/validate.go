package config

import (
	"errors"
	"fmt"
	"strings"

	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	_, err := ParseDurationField("engine.step_interval", cfg.Engine.StepInterval)
	add(err)
	_, err = ParseDurationField("engine.step_timeout", cfg.Engine.StepTimeout)
	add(err)
	_, err = ParseDurationField("executor.dispatch_timeout", cfg.Executor.DispatchTimeout)
	add(err)
	if cfg.Executor.Workers < 0 || cfg.Executor.QueueSize < 0 {
		add(errors.New("executor: workers and queue_size must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.SnapshotEvery < 0 {
			add(errors.New("storage.snapshot_every must be >= 0"))
		}
	}

	if _, err := txn.ParseAddress(cfg.Ledger.EscrowAddress); err != nil {
		add(fmt.Errorf("ledger.escrow_address: %w", err))
	}
	for i, g := range cfg.Ledger.Genesis {
		if _, err := txn.ParseAddress(g.Address); err != nil {
			add(fmt.Errorf("ledger.genesis[%d].address: %w", i, err))
		}
	}

	if cfg.RPC.Enabled {
		if strings.TrimSpace(cfg.RPC.Addr) == "" {
			add(errors.New("rpc.addr is required when rpc is enabled"))
		}
		seen := map[string]bool{}
		if t := strings.TrimSpace(cfg.RPC.AdminToken); t != "" {
			seen[t] = true
		}
		for i, a := range cfg.RPC.Accounts {
			tok := strings.TrimSpace(a.Token)
			if tok == "" {
				add(fmt.Errorf("rpc.accounts[%d].token is empty", i))
			} else if seen[tok] {
				add(fmt.Errorf("rpc.accounts[%d].token is reused", i))
			}
			seen[tok] = true
			if _, err := txn.ParseAddress(a.Address); err != nil {
				add(fmt.Errorf("rpc.accounts[%d].address: %w", i, err))
			}
		}
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		add(errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
