package config

// Config is the daemon configuration file.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Executor ExecutorConfig `json:"executor"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	RPC      RPCConfig      `json:"rpc"`
	Metrics  MetricsConfig  `json:"metrics"`
	Ledger   LedgerConfig   `json:"ledger"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig holds engine admin state and the step cadence.
//
// Durations are Go duration strings ("100ms", "1s").
//
// Defaults:
//   - expiry_delta: 100 buckets (a pointer, so an explicit 0 is kept)
//   - step_interval: "1s"
//   - step_timeout: "30s"
//   - outcome_cache: 10000 keys
type EngineConfig struct {
	ExpiryDelta    *uint64 `json:"expiry_delta,omitempty"`
	StopScheduling bool    `json:"stop_scheduling"`
	StepInterval   string  `json:"step_interval,omitempty"`
	StepTimeout    string  `json:"step_timeout,omitempty"`
	OutcomeCache   int     `json:"outcome_cache,omitempty"`
}

// ExecutorConfig sizes the dispatch worker pool.
type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// DispatchTimeout bounds one action run; "0s" disables it.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// StorageConfig enables persistence. Nil disables it.
//
//	"storage": { "driver": "sqlite", "path": "./data/schedtx.db", "snapshot_every": 10 }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	SnapshotEvery int    `json:"snapshot_every,omitempty"`
}

// RPCConfig controls the JSON-RPC endpoint. Tokens are secrets and are
// never logged.
type RPCConfig struct {
	Enabled        bool         `json:"enabled"`
	Addr           string       `json:"addr,omitempty"`
	AdminToken     string       `json:"admin_token,omitempty"`
	Accounts       []RPCAccount `json:"accounts,omitempty"`
	AllowedOrigins []string     `json:"allowed_origins,omitempty"`
}

// RPCAccount binds a bearer token to the address it signs for.
type RPCAccount struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

// LedgerConfig seeds balances on a fresh start. Genesis is ignored when a
// snapshot is restored.
type LedgerConfig struct {
	EscrowAddress string           `json:"escrow_address"`
	Genesis       []GenesisBalance `json:"genesis,omitempty"`
}

type GenesisBalance struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}
