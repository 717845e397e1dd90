package httpserv

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	logx "schedtx/pkg/logx"
)

func get(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), nil
}

func TestServiceStartStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })
	srv := New(Config{Name: "test", Addr: "127.0.0.1:0"}, mux, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Start(ctx)
	srv.Start(ctx) // idempotent

	addr, err := srv.Addr(ctx)
	if err != nil {
		t.Fatalf("addr: %v", err)
	}
	code, body, err := get(ctx, "http://"+addr+"/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if code != http.StatusOK || body != "pong" {
		t.Fatalf("got %d %q", code, body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
	if srv.Supervisor() != nil {
		t.Fatalf("supervisor should be cleared after stop")
	}
	if _, _, err := get(ctx, "http://"+addr+"/ping"); err == nil {
		t.Fatalf("listener still serving after stop")
	}
}

func TestAddrWaitsForContext(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"}, http.NewServeMux(), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := srv.Addr(ctx); err == nil {
		t.Fatalf("Addr before Start should wait for ctx")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"localhost:80": true,
		"[::1]:80":     true,
		":8080":        false,
		"0.0.0.0:80":   false,
		"10.0.0.5:80":  false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
