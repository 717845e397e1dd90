package app

import (
	"fmt"
	"strings"
	"time"

	"schedtx/internal/config"
	"schedtx/internal/executor"
	"schedtx/internal/node"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) sched.Config {
	return sched.Config{
		StopScheduling: cfg.Engine.StopScheduling,
		ExpiryDelta:    config.ExpiryDelta(cfg.Engine),
	}
}

// mapStorageConfig reports false when storage is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/schedtx"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	timeout, err := config.ParseDurationField("executor.dispatch_timeout", ec.DispatchTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:         ec.Workers,
		QueueSize:       ec.QueueSize,
		DispatchTimeout: timeout,
		HistorySize:     ec.HistorySize,
	}, nil
}

func mapNodeConfig(cfg *config.Config, notify bool) (node.Config, error) {
	interval, err := config.ParseDurationOrDefault("engine.step_interval", cfg.Engine.StepInterval, time.Second)
	if err != nil {
		return node.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("engine.step_timeout", cfg.Engine.StepTimeout, 30*time.Second)
	if err != nil {
		return node.Config{}, err
	}
	every := 0
	if cfg.Storage != nil {
		every = cfg.Storage.SnapshotEvery
	}
	return node.Config{StepInterval: interval, StepTimeout: timeout, SnapshotEvery: every, Notify: notify}, nil
}

func mapRPCAccounts(cfg *config.Config) (map[string]txn.Address, error) {
	out := make(map[string]txn.Address, len(cfg.RPC.Accounts))
	for i, a := range cfg.RPC.Accounts {
		addr, err := txn.ParseAddress(a.Address)
		if err != nil {
			return nil, fmt.Errorf("rpc.accounts[%d]: %w", i, err)
		}
		out[strings.TrimSpace(a.Token)] = addr
	}
	return out, nil
}
