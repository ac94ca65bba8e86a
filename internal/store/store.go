// Package store persists the recurring trigger entries.
//
// One entry exists per (chat, hour) subscription. The store is the single
// source of truth for whether an hour is active; the engine only reads it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "wxbot/pkg/logx"
)

var ErrNotFound = errors.New("trigger entry not found")

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Kind identifies which job payload a trigger runs.
type Kind string

const (
	KindForecast Kind = "forecast"
	KindWarning  Kind = "warning"
)

// Entry is the durable unit held by the store.
type Entry struct {
	ChatID    string    `json:"chat_id"`
	Hour      int       `json:"hour"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the composite key for the entry.
func (e Entry) Key() string { return Key(e.ChatID, e.Hour) }

func Key(chatID string, hour int) string {
	return chatID + ":" + strconv.Itoa(hour)
}

// Store holds trigger entries durably across process restarts.
//
// All operations are atomic per key; concurrent operations on the same key
// serialize with last-writer-wins.
type Store interface {
	// Put creates or replaces the entry for its (chat, hour) key.
	Put(ctx context.Context, e Entry) error
	// Delete removes the entry and reports whether anything was removed.
	Delete(ctx context.Context, chatID string, hour int) (bool, error)
	// Exists is a point lookup.
	Exists(ctx context.Context, chatID string, hour int) (bool, error)
	// List enumerates all entries, for engine startup/refresh.
	List(ctx context.Context) ([]Entry, error)
	// Ping verifies the backing store is reachable. The engine fails fast
	// at startup when it is not.
	Ping(ctx context.Context) error
	Close() error
}

// Config selects a driver.
type Config struct {
	Driver   string
	Addr     string // redis
	Password string // redis
	DB       int    // redis
	Path     string // file
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		return openRedis(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown trigger store driver: %q", cfg.Driver)
	}
}

func validateEntry(e Entry) error {
	if strings.TrimSpace(e.ChatID) == "" {
		return errors.New("entry chat id is empty")
	}
	if e.Hour < 0 || e.Hour > 23 {
		return fmt.Errorf("entry hour %d out of range", e.Hour)
	}
	return nil
}
