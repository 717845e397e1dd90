package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	logx "schedtx/pkg/logx"
)

// fileStore keeps two files next to cfg.Path:
//   - <prefix>.snapshot.json  (replaced via write-to-temp and rename)
//   - <prefix>.outcomes.jsonl (append-only JSON Lines)
type fileStore struct {
	fs  afero.Fs
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	outcomesPath string
	outcomes     afero.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		fs:           fs,
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		outcomesPath: prefix + ".outcomes.jsonl",
	}
	f, err := fs.OpenFile(st.outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.outcomes = f
	log.Info("file storage opened", logx.String("snapshot", st.snapshotPath), logx.String("outcomes", st.outcomesPath))
	return st, nil
}

func (s *fileStore) SaveSnapshot(_ context.Context, state State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.snapshotPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) LoadSnapshot(_ context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := afero.ReadFile(s.fs, s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return State{}, false, fmt.Errorf("decode snapshot %s: %w", s.snapshotPath, err)
	}
	return state, true, nil
}

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return ErrDisabled
	}
	_, err = s.outcomes.Write(b)
	return err
}

func (s *fileStore) Outcomes(_ context.Context, limit int) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fs.Open(s.outcomesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Outcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var o Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			s.log.Warn("skipping corrupt outcome line", logx.Err(err))
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return nil
	}
	err := s.outcomes.Close()
	s.outcomes = nil
	return err
}
