package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration tree.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos fail loudly instead of silently
// running with defaults.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Triggers is the durable trigger store holding one entry per
	// (chat, hour) subscription.
	Triggers TriggerStoreConfig `json:"triggers"`

	// Subscriptions is the relational record store (chats, locations,
	// credentials).
	Subscriptions SubscriptionsConfig `json:"subscriptions"`

	Engine  EngineConfig  `json:"engine"`
	Dedup   DedupConfig   `json:"dedup,omitempty"`
	Weather WeatherConfig `json:"weather"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
	Report  ReportConfig  `json:"report,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // TRACE..ERROR, default INFO
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// TriggerStoreConfig selects and configures the durable trigger store.
//
// Driver values:
//   - "redis": networked keyed store (default for deployments)
//   - "file":  snapshot+journal files on local disk
//   - "memory": volatile, for tests only
type TriggerStoreConfig struct {
	Driver   string `json:"driver"`
	Addr     string `json:"addr,omitempty"` // redis host:port
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Path     string `json:"path,omitempty"` // file driver
}

type SubscriptionsConfig struct {
	Path        string `json:"path"`                   // sqlite database file
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// EngineConfig controls the trigger engine.
//
// MinuteOffset is the fleet-wide minute-of-hour at which per-chat triggers
// fire; SweepMinute / WarnSweepMinute position the two hourly fleet sweeps.
type EngineConfig struct {
	Workers         int    `json:"workers,omitempty"`    // default 10
	QueueSize       int    `json:"queue_size,omitempty"` // default 256
	MinuteOffset    int    `json:"minute_offset,omitempty"`
	SweepMinute     int    `json:"sweep_minute,omitempty"`
	WarnSweepMinute int    `json:"warn_sweep_minute,omitempty"`
	Timezone        string `json:"timezone,omitempty"` // IANA TZ, default UTC
}

type DedupConfig struct {
	ForecastWindow string `json:"forecast_window,omitempty"` // default "1h"
	WarningWindow  string `json:"warning_window,omitempty"`  // default "24h"
	SweepEvery     string `json:"sweep_every,omitempty"`     // default "10m"
}

type WeatherConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "8s"
}

type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 3
}

type ReportConfig struct {
	// OpsChatID receives captured firing failures. 0 disables the chat sink;
	// failures are still logged.
	OpsChatID  int64 `json:"ops_chat_id,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"` // default 1
}

// Validate checks the tree for values that must be rejected before the
// config is committed or published.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Triggers.Driver)) {
	case "", "redis", "file", "memory":
	default:
		return fmt.Errorf("triggers.driver: unknown driver %q", c.Triggers.Driver)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0")
	}
	if c.Engine.MinuteOffset < 0 || c.Engine.MinuteOffset > 59 {
		return fmt.Errorf("engine.minute_offset must be in 0..59")
	}
	if c.Engine.SweepMinute < 0 || c.Engine.SweepMinute > 59 {
		return fmt.Errorf("engine.sweep_minute must be in 0..59")
	}
	if c.Engine.WarnSweepMinute < 0 || c.Engine.WarnSweepMinute > 59 {
		return fmt.Errorf("engine.warn_sweep_minute must be in 0..59")
	}
	if tz := strings.TrimSpace(c.Engine.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, f := range []struct {
		name, raw string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"subscriptions.busy_timeout", c.Subscriptions.BusyTimeout},
		{"dedup.forecast_window", c.Dedup.ForecastWindow},
		{"dedup.warning_window", c.Dedup.WarningWindow},
		{"dedup.sweep_every", c.Dedup.SweepEvery},
		{"weather.timeout", c.Weather.Timeout},
	} {
		if _, err := ParseDuration(f.name, f.raw, 0); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses a Go duration string config field.
// Empty input yields def.
func ParseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}
