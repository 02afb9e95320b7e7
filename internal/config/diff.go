package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskplanner/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like
// redis passwords or telegram tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Reminder loop
	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Bool("reminder.enabled", newCfg.Reminder.Enabled),
			logx.String("reminder.poll_interval", strings.TrimSpace(newCfg.Reminder.PollInterval)),
			logx.Int("reminder.window_minutes", newCfg.Reminder.ReminderWindowMinutes),
			logx.String("reminder.timezone", strings.TrimSpace(newCfg.Reminder.Timezone)),
		)
	}

	// Task database
	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Bool("tasks.path_set", strings.TrimSpace(newCfg.Tasks.Path) != ""),
			logx.String("tasks.busy_timeout", strings.TrimSpace(newCfg.Tasks.BusyTimeout)),
		)
	}

	// Dedup store
	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.driver", strings.TrimSpace(newCfg.Dedup.Driver)),
			logx.Bool("dedup.path_set", strings.TrimSpace(newCfg.Dedup.Path) != ""),
		)
	}

	// Notifier. Section may be nil (omitted); treat nil as runtime defaults
	// so the summary reflects effective behavior.
	defN := &NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     512,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		Channels:      ChannelsConfig{Log: &LogChannelConfig{Enabled: true}},
	}
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.log_channel", newN.Channels.Log == nil || newN.Channels.Log.Enabled),
			logx.Bool("notifier.redis_channel", newN.Channels.Redis != nil && newN.Channels.Redis.Enabled),
			logx.Bool("notifier.telegram_channel", newN.Channels.Telegram != nil && newN.Channels.Telegram.Enabled),
		)
	}

	// Health server (never log token)
	if oldCfg.Health.Enabled != newCfg.Health.Enabled ||
		strings.TrimSpace(oldCfg.Health.Addr) != strings.TrimSpace(newCfg.Health.Addr) ||
		oldCfg.Health.AllowInsecure != newCfg.Health.AllowInsecure ||
		oldCfg.Health.Pprof != newCfg.Health.Pprof ||
		strings.TrimSpace(oldCfg.Health.ReadTimeout) != strings.TrimSpace(newCfg.Health.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Health.WriteTimeout) != strings.TrimSpace(newCfg.Health.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Health.IdleTimeout) != strings.TrimSpace(newCfg.Health.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Health.Token) != "") != (strings.TrimSpace(newCfg.Health.Token) != "") {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.addr", strings.TrimSpace(newCfg.Health.Addr)),
			logx.Bool("health.token_set", strings.TrimSpace(newCfg.Health.Token) != ""),
			logx.Bool("health.pprof", newCfg.Health.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
