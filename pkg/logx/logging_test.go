package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type hexID string

func (h hexID) String() string { return "0x" + string(h) }

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "engine"))

	log.Debug("hidden")
	log.Info("inserted",
		Uint64("bucket", 17),
		Stringer("owner", hexID("a11ce")),
		Err(errors.New("boom")),
		String("comp", "override"),
	)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d: %s", len(lines), buf.String())
	}
	l := lines[0]
	if l["message"] != "inserted" || l["level"] != "info" {
		t.Fatalf("unexpected line: %v", l)
	}
	if l["bucket"].(float64) != 17 || l["owner"] != "0xa11ce" || l["err"] != "boom" {
		t.Fatalf("fields not rendered: %v", l)
	}
	if c, _ := l["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
	if !log.Enabled(LevelWarn) || log.Enabled(LevelDebug) {
		t.Fatalf("Enabled disagrees with level info")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nobody hears this", Err(nil), Stringer("nil", nil))
	if l.With(String("k", "v")).IsZero() {
		t.Fatalf("With should produce a non-zero logger")
	}
	if Nop().IsZero() {
		t.Fatalf("Nop is not the zero value")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("dropped")
	log.Warn("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after reload")
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("Config().Level=%q", got)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msgs []string
	for _, l := range decodeLines(t, b) {
		msgs = append(msgs, l["message"].(string))
	}
	if strings.Join(msgs, ",") != "kept,after reload" {
		t.Fatalf("messages=%v", msgs)
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "trace", "DEBUG", " info ", "warning", "error"} {
		if !ValidLevel(s) {
			t.Errorf("ValidLevel(%q)=false", s)
		}
	}
	for _, s := range []string{"fatal", "verbose"} {
		if ValidLevel(s) {
			t.Errorf("ValidLevel(%q)=true", s)
		}
	}
}
