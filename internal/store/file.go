package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "wxbot/pkg/logx"
)

// fileStore is a dependency-free durable backend for single-host deploys
// (and for restart-durability tests).
//
// Files:
//   - <prefix>.triggers.snapshot.json (full map)
//   - <prefix>.triggers.journal.jsonl (append-only put/delete records)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	entries map[string]Entry

	snapshotPath string
	journalPath  string
	journal      *os.File
	writes       int
}

const compactEvery = 64

type journalRecord struct {
	Op    string `json:"op"` // "put" | "del"
	Key   string `json:"key"`
	Entry *Entry `json:"entry,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("triggers.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		entries:      map[string]Entry{},
		snapshotPath: prefix + ".triggers.snapshot.json",
		journalPath:  prefix + ".triggers.journal.jsonl",
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]Entry
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn("trigger snapshot corrupt; starting from journal only", logx.Err(err))
		return nil
	}
	s.entries = m
	return nil
}

func (s *fileStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write after a crash; everything before it is good.
			s.log.Warn("trigger journal line skipped", logx.Err(err))
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Entry != nil {
				s.entries[rec.Key] = *rec.Entry
			}
		case "del":
			delete(s.entries, rec.Key)
		}
	}
	return sc.Err()
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("trigger store closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("trigger journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate the journal; its contents are now in the snapshot.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 0)
	return err
}

func (s *fileStore) Put(ctx context.Context, e Entry) error {
	_ = ctx
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.Key()
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Entry: &e}); err != nil {
		return err
	}
	s.entries[key] = e
	return nil
}

func (s *fileStore) Delete(ctx context.Context, chatID string, hour int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(chatID, hour)
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Key: key}); err != nil {
		return false, err
	}
	delete(s.entries, key)
	return true, nil
}

func (s *fileStore) Exists(ctx context.Context, chatID string, hour int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[Key(chatID, hour)]
	return ok, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("trigger store closed")
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
