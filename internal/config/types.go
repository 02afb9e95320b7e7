package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Reminder ReminderConfig `json:"reminder"`

	// Tasks points at the task database shared with the desktop/web apps.
	// This daemon only reads from it.
	Tasks TasksConfig `json:"tasks"`

	// Dedup configures the per-process notification bookkeeping store.
	// Each delivery channel host keeps its own store; it is never shared
	// between processes.
	Dedup DedupConfig `json:"dedup"`

	// Notifier controls the async delivery pipeline.
	// If omitted, the notifier defaults to enabled with the log channel only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Health HealthConfig `json:"health,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ReminderConfig controls the reminder poll loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ReminderConfig struct {
	Enabled bool `json:"enabled"`

	// PollInterval is the tick interval. It must be 30s or less so no
	// whole-minute offset can fall between two ticks. Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`

	// ReminderWindowMinutes is the default countdown lead time for tasks
	// that don't carry their own. Default 15.
	ReminderWindowMinutes int `json:"reminder_window_minutes,omitempty"`

	// Timezone is the IANA zone used when parsing task due timestamps
	// that carry no offset. Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

type TasksConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DedupConfig selects the dedup store backend.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
type DedupConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Channels ChannelsConfig `json:"channels"`
}

type ChannelsConfig struct {
	// Log is on when the section is omitted; only an explicit
	// enabled: false turns it off.
	Log      *LogChannelConfig      `json:"log,omitempty"`
	Redis    *RedisChannelConfig    `json:"redis,omitempty"`
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
}

type LogChannelConfig struct {
	Enabled bool `json:"enabled"`
}

// RedisChannelConfig publishes fired reminders to a Redis channel so the
// web variant can forward them as browser push.
type RedisChannelConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel,omitempty"` // default: "taskplanner:reminders"
}

type TelegramChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// HealthConfig controls the optional health/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HealthConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// MaxPollInterval caps reminder.poll_interval. Anything slower risks two
// whole-minute offsets landing inside one polling gap.
const MaxPollInterval = 30 * time.Second

// Validate rejects configs that could break the once-per-minute guarantee
// or that point services at nothing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	interval, err := ParseDurationOrDefault("reminder.poll_interval", cfg.Reminder.PollInterval, MaxPollInterval)
	if err != nil {
		return err
	}
	if interval > MaxPollInterval {
		return fmt.Errorf("reminder.poll_interval: %s exceeds the %s maximum", interval, MaxPollInterval)
	}
	if cfg.Reminder.ReminderWindowMinutes < 0 {
		return errors.New("reminder.reminder_window_minutes must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Reminder.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminder.timezone: %w", err)
		}
	}

	if cfg.Reminder.Enabled && strings.TrimSpace(cfg.Tasks.Path) == "" {
		return errors.New("tasks.path is required when the reminder service is enabled")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Dedup.Driver)); d {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("dedup.driver: unknown driver %q", d)
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Dedup.Driver)); d != "" && d != "none" {
		if strings.TrimSpace(cfg.Dedup.Path) == "" {
			return errors.New("dedup.path is required for driver " + d)
		}
	}

	if n := cfg.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return err
		}
		if r := n.Channels.Redis; r != nil && r.Enabled && strings.TrimSpace(r.Addr) == "" {
			return errors.New("notifier.channels.redis.addr is required when the redis channel is enabled")
		}
		if t := n.Channels.Telegram; t != nil && t.Enabled {
			if strings.TrimSpace(t.Token) == "" {
				return errors.New("notifier.channels.telegram.token is required when the telegram channel is enabled")
			}
			if t.ChatID == 0 {
				return errors.New("notifier.channels.telegram.chat_id is required when the telegram channel is enabled")
			}
		}
	}

	return nil
}
