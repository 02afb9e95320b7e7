package app

import (
	"strings"
	"time"

	"taskplanner/internal/config"
	"taskplanner/internal/dedup"
	"taskplanner/internal/notify"
	"taskplanner/internal/observability/health"
	"taskplanner/internal/reminder"
	"taskplanner/internal/taskstore"
	logx "taskplanner/pkg/logx"
)

// The map* helpers translate the raw config document into per-component
// configs, parsing duration strings up front so a bad value fails the
// validator instead of a running service.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	interval, err := config.ParseDurationOrDefault("reminder.poll_interval",
		cfg.Reminder.PollInterval, reminder.MaxPollInterval)
	if err != nil {
		return reminder.Config{}, err
	}
	window := cfg.Reminder.ReminderWindowMinutes
	if window <= 0 {
		window = reminder.DefaultWindowMinutes
	}
	return reminder.Config{
		Enabled:              cfg.Reminder.Enabled,
		PollInterval:         interval,
		DefaultWindowMinutes: window,
	}, nil
}

func mapTaskstoreConfig(cfg *config.Config) (taskstore.Config, error) {
	busy, err := config.ParseDurationOrDefault("tasks.busy_timeout",
		cfg.Tasks.BusyTimeout, 5*time.Second)
	if err != nil {
		return taskstore.Config{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Reminder.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return taskstore.Config{}, err
		}
		loc = l
	}
	return taskstore.Config{
		Path:        cfg.Tasks.Path,
		BusyTimeout: busy,
		Location:    loc,
	}, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	busy, err := config.ParseDurationOrDefault("dedup.busy_timeout",
		cfg.Dedup.BusyTimeout, 5*time.Second)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Driver:      cfg.Dedup.Driver,
		Path:        cfg.Dedup.Path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		// Default: enabled with pipeline defaults, log channel only.
		return notify.Config{Enabled: true}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	h := cfg.Health
	readT, err := config.ParseDurationOrDefault("health.read_timeout", h.ReadTimeout, 5*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	writeT, err := config.ParseDurationOrDefault("health.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	idleT, err := config.ParseDurationOrDefault("health.idle_timeout", h.IdleTimeout, time.Minute)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   readT,
		WriteTimeout:  writeT,
		IdleTimeout:   idleT,
	}, nil
}

// buildChannels assembles delivery channels from config. The log channel
// is on unless explicitly disabled, so a bare config still produces
// visible reminders.
func buildChannels(cfg *config.Config, log logx.Logger) ([]notify.Channel, error) {
	var channels []notify.Channel

	var chCfg *config.ChannelsConfig
	if cfg.Notifier != nil {
		chCfg = &cfg.Notifier.Channels
	}
	logEnabled := chCfg == nil || chCfg.Log == nil || chCfg.Log.Enabled
	if logEnabled {
		channels = append(channels, notify.NewLogChannel(log.With(logx.String("comp", "notify.log"))))
	}
	if chCfg == nil {
		return channels, nil
	}

	if r := chCfg.Redis; r != nil && r.Enabled {
		ch, err := notify.NewRedisChannel(notify.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if t := chCfg.Telegram; t != nil && t.Enabled {
		ch, err := notify.NewTelegramChannel(notify.TelegramConfig{
			Token:  t.Token,
			ChatID: t.ChatID,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, nil
}
