package rpc

import (
	"context"
	"strings"

	"github.com/creachadair/jrpc2/handler"

	"schedtx/internal/node"
	"schedtx/internal/sched"
	"schedtx/internal/storage"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// accountMethods are the calls available to one account token. signer is
// minted here and nowhere else.
type accountMethods struct {
	s      *Server
	signer txn.Signer
	log    logx.Logger
}

func (m *accountMethods) assigner() handler.Map {
	return handler.Map{
		"schedule.insert": handler.New(m.insert),
		"schedule.cancel": handler.New(m.cancel),
		"schedule.get":    handler.New(m.get),
		"schedule.list":   handler.New(m.list),
		"ledger.balance":  handler.New(m.balance),
		"outcome.get":     handler.New(m.outcome),
		"system.status":   handler.New(m.s.status),
	}
}

func (m *accountMethods) insert(_ context.Context, p *InsertParams) (*InsertResult, error) {
	kind := strings.TrimSpace(p.Action)
	if kind == "" {
		return nil, invalidParams("missing required param: action")
	}
	act, err := m.s.deps.Registry.DecodeJSON(kind, p.Args)
	if err != nil {
		return nil, toRPCError(err)
	}
	owner := m.signer.Address()
	t := txn.New(owner, p.ScheduledTime, p.MaxGasAmount, p.MaxGasUnitPrice, p.PassAuth, act)
	key, err := m.s.deps.Engine.Insert(m.signer, t)
	if err != nil {
		m.log.Debug("insert rejected", logx.Err(err))
		return nil, toRPCError(err)
	}
	if m.s.deps.Driver != nil {
		m.s.deps.Driver.RecordQueued(key, owner)
	}
	dep, _ := t.Deposit()
	return &InsertResult{Key: key, Deposit: dep}, nil
}

func (m *accountMethods) cancel(_ context.Context, p *KeyParams) (bool, error) {
	key, err := parseKey(p.Key)
	if err != nil {
		return false, err
	}
	e, queued := m.s.deps.Engine.Get(key)
	if err := m.s.deps.Engine.Cancel(m.signer, key); err != nil {
		return false, toRPCError(err)
	}
	// Cancel is silent on missing keys and while stopped; report whether the
	// entry actually left the queue.
	if _, still := m.s.deps.Engine.Get(key); queued && !still {
		if m.s.deps.Driver != nil {
			m.s.deps.Driver.RecordCancel(key, e.Txn.Owner)
		}
		return true, nil
	}
	return false, nil
}

func (m *accountMethods) get(_ context.Context, p *KeyParams) (*EntryResult, error) {
	key, err := parseKey(p.Key)
	if err != nil {
		return nil, err
	}
	e, ok := m.s.deps.Engine.Get(key)
	if !ok {
		return nil, toRPCError(sched.ErrKeyNotFound)
	}
	return &EntryResult{
		Key:             e.Key,
		Owner:           e.Txn.Owner,
		ScheduledTime:   e.Txn.ScheduledTime,
		MaxGasAmount:    e.Txn.MaxGasAmount,
		MaxGasUnitPrice: e.Txn.MaxGasUnitPrice,
		PassAuth:        e.Txn.PassAuth,
		Action:          e.Txn.Kind(),
		Deposit:         e.Deposit,
	}, nil
}

func (m *accountMethods) list(_ context.Context, p *ListParams) (*ListResult, error) {
	limit := p.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	var owner *txn.Address
	if !p.All {
		a := m.signer.Address()
		owner = &a
	}
	keys := m.s.deps.Engine.Keys(limit, owner)
	if keys == nil {
		keys = []sched.ScheduleKey{}
	}
	return &ListResult{Keys: keys}, nil
}

func (m *accountMethods) balance(_ context.Context, p *BalanceParams) (*BalanceResult, error) {
	addr := m.signer.Address()
	if strings.TrimSpace(p.Address) != "" {
		a, err := txn.ParseAddress(p.Address)
		if err != nil {
			return nil, toRPCError(err)
		}
		addr = a
	}
	bal, ok := m.s.deps.Accounts.Balance(addr)
	return &BalanceResult{Address: addr, Balance: bal, Exists: ok}, nil
}

func (m *accountMethods) outcome(_ context.Context, p *KeyParams) (*storage.Outcome, error) {
	key, err := parseKey(p.Key)
	if err != nil {
		return nil, err
	}
	if m.s.deps.Driver == nil {
		return nil, toRPCError(sched.ErrKeyNotFound)
	}
	o, ok := m.s.deps.Driver.Outcome(key)
	if !ok {
		return nil, toRPCError(sched.ErrKeyNotFound)
	}
	return &o, nil
}

func (s *Server) status(context.Context) (*node.Status, error) {
	if s.deps.Driver == nil {
		st := node.Status{Engine: s.deps.Engine.Stats()}
		return &st, nil
	}
	st := s.deps.Driver.Status()
	return &st, nil
}

// adminMethods are the calls available to the admin token.
type adminMethods struct {
	s   *Server
	log logx.Logger
}

func (m *adminMethods) assigner() handler.Map {
	return handler.Map{
		"admin.setStop":        handler.New(m.setStop),
		"admin.shutdown":       handler.New(m.shutdown),
		"admin.setExpiryDelta": handler.New(m.setExpiryDelta),
		"admin.credit":         handler.New(m.credit),
		"system.status":        handler.New(m.s.status),
	}
}

func (m *adminMethods) setStop(_ context.Context, p *StopParams) (*ConfigResult, error) {
	if err := m.s.deps.Engine.SetStop(p.Stop); err != nil {
		return nil, toRPCError(err)
	}
	m.log.Info("admin set stop", logx.Bool("stop", p.Stop))
	return &ConfigResult{Config: m.s.deps.Engine.Config()}, nil
}

// shutdown requests the step driver to run shutdown passes until the queue
// is empty. Progress shows in system.status.
func (m *adminMethods) shutdown(context.Context) (*node.Status, error) {
	if m.s.deps.Driver == nil {
		return nil, toRPCError(sched.ErrUnavailable)
	}
	m.s.deps.Driver.RequestShutdown()
	st := m.s.deps.Driver.Status()
	return &st, nil
}

func (m *adminMethods) setExpiryDelta(_ context.Context, p *ExpiryDeltaParams) (*ConfigResult, error) {
	m.s.deps.Engine.SetExpiryDelta(p.Delta)
	return &ConfigResult{Config: m.s.deps.Engine.Config()}, nil
}

func (m *adminMethods) credit(_ context.Context, p *CreditParams) (*BalanceResult, error) {
	addr, err := txn.ParseAddress(p.Address)
	if err != nil {
		return nil, toRPCError(err)
	}
	if err := m.s.deps.Accounts.Credit(addr, p.Amount); err != nil {
		return nil, toRPCError(err)
	}
	m.log.Info("admin credit", logx.Stringer("address", addr), logx.Uint64("amount", p.Amount))
	bal, ok := m.s.deps.Accounts.Balance(addr)
	return &BalanceResult{Address: addr, Balance: bal, Exists: ok}, nil
}

func parseKey(raw string) (sched.ScheduleKey, error) {
	if strings.TrimSpace(raw) == "" {
		return sched.ScheduleKey{}, invalidParams("missing required param: key")
	}
	k, err := sched.ParseScheduleKey(raw)
	if err != nil {
		return sched.ScheduleKey{}, invalidParams(err.Error())
	}
	return k, nil
}
