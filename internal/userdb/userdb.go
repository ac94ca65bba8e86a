// Package userdb holds the subscription records: one row per chat with its
// enabled flag, provider credential, optional webhook, and locations.
package userdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wxbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("chat not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Chat struct {
	ChatID    string
	Enabled   bool
	APIKey    string
	Webhook   string
	CreatedAt time.Time
}

type Location struct {
	ID     int64
	ChatID string
	Name   string
}

type DB struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("subscriptions.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	d := &DB{db: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, string(b))
	return err
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// UpsertChat creates the chat row if it does not exist yet.
func (d *DB) UpsertChat(ctx context.Context, chatID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, enabled, created_at) VALUES(?, 0, ?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) Chat(ctx context.Context, chatID string) (Chat, error) {
	var (
		c       Chat
		enabled int
		apiKey  sql.NullString
		webhook sql.NullString
		created string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT chat_id, enabled, api_key, webhook, created_at FROM chats WHERE chat_id = ?`,
		chatID).Scan(&c.ChatID, &enabled, &apiKey, &webhook, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.Enabled = enabled != 0
	c.APIKey = apiKey.String
	c.Webhook = webhook.String
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return c, nil
}

func (d *DB) SetEnabled(ctx context.Context, chatID string, enabled bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE chats SET enabled = ? WHERE chat_id = ?`, boolInt(enabled), chatID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) SetAPIKey(ctx context.Context, chatID, key string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE chats SET api_key = ? WHERE chat_id = ?`, nullStr(key), chatID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasAPIKey reports whether the chat holds a provider credential.
// A missing chat row counts as no credential.
func (d *DB) HasAPIKey(ctx context.Context, chatID string) (bool, error) {
	c, err := d.Chat(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(c.APIKey) != "", nil
}

func (d *DB) SetWebhook(ctx context.Context, chatID, webhook string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE chats SET webhook = ? WHERE chat_id = ?`, nullStr(webhook), chatID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) AddLocation(ctx context.Context, chatID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("location name is empty")
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO locations(chat_id, name) VALUES(?, ?)
		 ON CONFLICT(chat_id, name) DO NOTHING`,
		chatID, name)
	return err
}

func (d *DB) RemoveLocation(ctx context.Context, id int64) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) Locations(ctx context.Context, chatID string) ([]Location, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, chat_id, name FROM locations WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.ChatID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListEnabled returns all chats with the subscription flag set.
// The fleet sweeps iterate this.
func (d *DB) ListEnabled(ctx context.Context) ([]Chat, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT chat_id, enabled, api_key, webhook, created_at FROM chats WHERE enabled = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var (
			c       Chat
			enabled int
			apiKey  sql.NullString
			webhook sql.NullString
			created string
		)
		if err := rows.Scan(&c.ChatID, &enabled, &apiKey, &webhook, &created); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		c.APIKey = apiKey.String
		c.Webhook = webhook.String
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
