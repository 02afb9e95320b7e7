package app

import (
	"testing"

	"taskplanner/internal/config"
	logx "taskplanner/pkg/logx"
)

func channelNames(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	chs, err := buildChannels(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("buildChannels: %v", err)
	}
	names := make([]string, 0, len(chs))
	for _, c := range chs {
		names = append(names, c.Name())
	}
	return names
}

// The log channel defaults on. In particular, a notifier section that
// configures other channels but never mentions log must not silently lose
// local visibility.
func TestBuildChannelsLogDefaultsOn(t *testing.T) {
	t.Parallel()

	// No notifier section at all.
	names := channelNames(t, &config.Config{})
	if len(names) != 1 || names[0] != "log" {
		t.Fatalf("channels = %v, want [log]", names)
	}

	// Notifier section present, log omitted.
	names = channelNames(t, &config.Config{Notifier: &config.NotifierConfig{
		Enabled: true,
		Channels: config.ChannelsConfig{
			Redis: &config.RedisChannelConfig{Enabled: true, Addr: "127.0.0.1:6379"},
		},
	}})
	if len(names) != 2 || names[0] != "log" || names[1] != "redis" {
		t.Fatalf("channels = %v, want [log redis]", names)
	}

	// Explicit disable is honored.
	names = channelNames(t, &config.Config{Notifier: &config.NotifierConfig{
		Enabled:  true,
		Channels: config.ChannelsConfig{Log: &config.LogChannelConfig{Enabled: false}},
	}})
	if len(names) != 0 {
		t.Fatalf("channels = %v, want none", names)
	}
}
