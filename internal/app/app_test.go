package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schedtx/internal/sched"
	"schedtx/internal/txn"
)

const testConfig = `
logging:
  level: error
engine:
  step_interval: 1s
executor:
  workers: 2
storage:
  driver: file
  path: %DATA%
rpc:
  enabled: true
  addr: 127.0.0.1:0
  admin_token: admin-secret
  accounts:
    - token: alice-secret
      address: "0xa11ce"
metrics:
  enabled: true
  addr: 127.0.0.1:0
ledger:
  escrow_address: "0xe5c0"
  genesis:
    - address: "0xa11ce"
      balance: 1000000
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(testConfig, "%DATA%", filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func rpcCall(t *testing.T, url, token, method string, params any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("%s: decode %s: %v", method, raw, err)
	}
	return out
}

func TestAppLifecycle(t *testing.T) {
	path := writeConfig(t)
	alice := txn.MustParseAddress("0xa11ce")

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Restored() {
		t.Fatalf("fresh data dir should not restore")
	}
	if bal, _ := a.Accounts().Balance(alice); bal != 1_000_000 {
		t.Fatalf("genesis balance=%d", bal)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr, err := a.RPCAddr(ctx)
	if err != nil {
		t.Fatalf("rpc addr: %v", err)
	}

	// Far enough ahead that no step picks it up during the test.
	future := uint64(time.Now().Add(time.Hour).UnixMilli())
	out := rpcCall(t, "http://"+addr+"/rpc", "alice-secret", "schedule.insert", map[string]any{
		"scheduled_time":     future,
		"max_gas_amount":     10,
		"max_gas_unit_price": 100,
		"action":             "noop",
	})
	if out["error"] != nil {
		t.Fatalf("insert: %v", out["error"])
	}
	if a.Engine().Len() != 1 {
		t.Fatalf("queue len=%d", a.Engine().Len())
	}
	if bal, _ := a.Accounts().Balance(alice); bal != 1_000_000-1000 {
		t.Fatalf("balance after deposit=%d", bal)
	}

	maddr, err := a.MetricsAddr(ctx)
	if err != nil {
		t.Fatalf("metrics addr: %v", err)
	}
	resp, err := http.Get("http://" + maddr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	scrape, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(scrape), "schedtx_queue_depth 1") {
		t.Fatalf("scrape missing queue depth:\n%s", scrape)
	}

	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}

	b, err := New(path)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	defer func() { _ = b.Stop(context.Background(), StopAppStop) }()
	if !b.Restored() {
		t.Fatalf("restart should restore the snapshot")
	}
	if b.Engine().Len() != 1 {
		t.Fatalf("restored queue len=%d", b.Engine().Len())
	}
	if bal, _ := b.Accounts().Balance(alice); bal != 1_000_000-1000 {
		t.Fatalf("genesis reapplied over snapshot: balance=%d", bal)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  escrow_address: nope\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatalf("expected invalid escrow address to fail")
	}
}

func TestReloadKeepsAdminStop(t *testing.T) {
	path := writeConfig(t)
	alice := txn.MustParseAddress("0xa11ce")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	prev, err := a.cfgm.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := a.Engine().SetStop(true); err != nil {
		t.Fatalf("SetStop: %v", err)
	}

	// A logging-only edit must not reopen admission.
	next := *prev
	next.Logging.Level = "warn"
	a.applyConfig(prev, &next)
	if !a.Engine().Config().StopScheduling {
		t.Fatalf("logging reload cleared the admin stop")
	}

	// The file itself reopening admission is honoured before shutdown.
	stopped := next
	stopped.Engine.StopScheduling = true
	a.applyConfig(&next, &stopped)
	reopened := stopped
	reopened.Engine.StopScheduling = false
	a.applyConfig(&stopped, &reopened)
	if a.Engine().Config().StopScheduling {
		t.Fatalf("file change to stop_scheduling=false was not applied")
	}

	a.Driver().RequestShutdown()
	if rep := a.Driver().Step(context.Background()); rep.Shutdown == nil || !rep.Shutdown.Complete {
		t.Fatalf("shutdown step = %+v", rep)
	}
	a.applyConfig(&reopened, &stopped)
	a.applyConfig(&stopped, &reopened)
	if !a.Engine().Config().StopScheduling {
		t.Fatalf("reload reopened admission after shutdown")
	}
	future := uint64(time.Now().Add(time.Hour).UnixMilli())
	_, err = a.Engine().Insert(txn.NewSigner(alice), txn.New(alice, future, 10, 100, false, &txn.Noop{}))
	if !errors.Is(err, sched.ErrUnavailable) {
		t.Fatalf("Insert after shutdown err = %v", err)
	}
	if bal, _ := a.Accounts().Balance(alice); bal != 1_000_000 {
		t.Fatalf("balance = %d, deposit must not be taken", bal)
	}
}
