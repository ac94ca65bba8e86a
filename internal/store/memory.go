package store

import (
	"context"
	"sync"
)

// memStore is a volatile driver for tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memStore{entries: map[string]Entry{}}
}

func (s *memStore) Put(ctx context.Context, e Entry) error {
	_ = ctx
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}
	s.mu.Lock()
	s.entries[e.Key()] = e
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(ctx context.Context, chatID string, hour int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(chatID, hour)
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *memStore) Exists(ctx context.Context, chatID string, hour int) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[Key(chatID, hour)]
	return ok, nil
}

func (s *memStore) List(ctx context.Context) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Ping(ctx context.Context) error { _ = ctx; return nil }

func (s *memStore) Close() error { return nil }
