package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	logx "schedtx/pkg/logx"
)

const (
	eventsBuffer       = 256
	eventsWriteTimeout = 5 * time.Second
)

// serveEvents streams bus events as JSON text messages. Any valid token may
// subscribe; ?prefix= narrows the event types (repeatable).
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	tok := bearer(r)
	if s.lookup(tok) == nil && !s.isAdmin(tok) {
		unauthorized(w)
		return
	}
	if s.deps.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	var prefixes []string
	for _, p := range r.URL.Query()["prefix"] {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.log.Debug("events accept failed", logx.Err(err))
		return
	}
	defer conn.CloseNow()

	events, unsub := s.deps.Bus.Subscribe(eventsBuffer, prefixes...)
	defer unsub()

	ctx := conn.CloseRead(r.Context())
	s.log.Debug("events subscriber connected", logx.String("remote", r.RemoteAddr))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
