// Package rpc exposes the engine over JSON-RPC 2.0 on HTTP. Each account
// token gets its own bridge so handlers act with that account's signer.
package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creachadair/jrpc2/jhttp"

	"schedtx/internal/eventbus"
	"schedtx/internal/ledger"
	"schedtx/internal/node"
	"schedtx/internal/sched"
	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

// maxListLimit caps schedule.list results.
const maxListLimit = 1000

type Config struct {
	AdminToken string
	// Accounts maps bearer tokens to the address they sign for.
	Accounts map[string]txn.Address
	// AllowedOrigins are host patterns accepted on /events. Empty allows
	// same-origin only.
	AllowedOrigins []string
}

// Deps are the components the methods call into. Driver and Bus may be nil.
type Deps struct {
	Engine   *sched.Engine
	Accounts *ledger.Accounts
	Driver   *node.Driver
	Bus      eventbus.Bus
	Registry *txn.Registry
}

type accountBridge struct {
	token  []byte
	addr   txn.Address
	bridge jhttp.Bridge
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	accounts []accountBridge
	admin    *jhttp.Bridge
	adminTok []byte
	mux      *http.ServeMux
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Accounts == nil {
		return nil, errors.New("rpc: engine and accounts are required")
	}
	if deps.Registry == nil {
		deps.Registry = txn.DefaultRegistry()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "rpc"))}

	for tok, addr := range cfg.Accounts {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("rpc: empty token for %s", addr)
		}
		m := &accountMethods{s: s, signer: txn.NewSigner(addr), log: s.log.With(logx.Stringer("account", addr))}
		s.accounts = append(s.accounts, accountBridge{
			token:  []byte(tok),
			addr:   addr,
			bridge: jhttp.NewBridge(m.assigner(), nil),
		})
	}
	if tok := strings.TrimSpace(cfg.AdminToken); tok != "" {
		m := &adminMethods{s: s, log: s.log.With(logx.String("account", "admin"))}
		b := jhttp.NewBridge(m.assigner(), nil)
		s.admin = &b
		s.adminTok = []byte(tok)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.serveAccount)
	mux.HandleFunc("POST /admin", s.serveAdmin)
	mux.HandleFunc("GET /events", s.serveEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux = mux
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// lookup resolves a token to its account bridge. Every token is compared so
// the time taken does not depend on which one matched.
func (s *Server) lookup(tok string) *accountBridge {
	var found *accountBridge
	for i := range s.accounts {
		if tokenEqual(tok, s.accounts[i].token) && found == nil {
			found = &s.accounts[i]
		}
	}
	return found
}

func (s *Server) isAdmin(tok string) bool {
	return s.admin != nil && tokenEqual(tok, s.adminTok)
}

func (s *Server) serveAccount(w http.ResponseWriter, r *http.Request) {
	ab := s.lookup(bearer(r))
	if ab == nil {
		unauthorized(w)
		return
	}
	ab.bridge.ServeHTTP(w, r)
}

func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(bearer(r)) {
		unauthorized(w)
		return
	}
	s.admin.ServeHTTP(w, r)
}

// Close stops every bridge.
func (s *Server) Close() error {
	var errs []error
	for _, ab := range s.accounts {
		errs = append(errs, ab.bridge.Close())
	}
	if s.admin != nil {
		errs = append(errs, s.admin.Close())
	}
	return errors.Join(errs...)
}
