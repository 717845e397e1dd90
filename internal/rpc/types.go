package rpc

import (
	"encoding/json"

	"schedtx/internal/sched"
	"schedtx/internal/txn"
)

// InsertParams is the input for schedule.insert. The owner is the caller's
// account. Args are the action's JSON fields.
type InsertParams struct {
	ScheduledTime   uint64          `json:"scheduled_time"`
	MaxGasAmount    uint64          `json:"max_gas_amount"`
	MaxGasUnitPrice uint64          `json:"max_gas_unit_price"`
	PassAuth        bool            `json:"pass_auth,omitempty"`
	Action          string          `json:"action"`
	Args            json.RawMessage `json:"args,omitempty"`
}

type InsertResult struct {
	Key     sched.ScheduleKey `json:"key"`
	Deposit uint64            `json:"deposit"`
}

// KeyParams names one schedule key in "bucket:rank:id" form.
type KeyParams struct {
	Key string `json:"key"`
}

type EntryResult struct {
	Key             sched.ScheduleKey `json:"key"`
	Owner           txn.Address       `json:"owner"`
	ScheduledTime   uint64            `json:"scheduled_time"`
	MaxGasAmount    uint64            `json:"max_gas_amount"`
	MaxGasUnitPrice uint64            `json:"max_gas_unit_price"`
	PassAuth        bool              `json:"pass_auth"`
	Action          string            `json:"action"`
	Deposit         uint64            `json:"deposit"`
}

// ListParams limits schedule.list. Only the caller's keys are listed unless
// All is set.
type ListParams struct {
	Limit int  `json:"limit,omitempty"`
	All   bool `json:"all,omitempty"`
}

type ListResult struct {
	Keys []sched.ScheduleKey `json:"keys"`
}

// BalanceParams defaults to the caller's account when Address is empty.
type BalanceParams struct {
	Address string `json:"address,omitempty"`
}

type BalanceResult struct {
	Address txn.Address `json:"address"`
	Balance uint64      `json:"balance"`
	Exists  bool        `json:"exists"`
}

type StopParams struct {
	Stop bool `json:"stop"`
}

type ExpiryDeltaParams struct {
	Delta uint64 `json:"delta"`
}

type CreditParams struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// ConfigResult echoes the engine admin config after a change.
type ConfigResult struct {
	Config sched.Config `json:"config"`
}
