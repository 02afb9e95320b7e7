package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"taskplanner/internal/reminder"
)

// DefaultRedisChannel is where events land when no channel is configured.
const DefaultRedisChannel = "taskplanner:reminders"

// RedisConfig configures the redis pub/sub channel. Web frontends
// subscribe here to turn fired events into browser notifications.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type redisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(cfg RedisConfig) (Channel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &redisChannel{client: client, channel: channel}, nil
}

func (c *redisChannel) Name() string { return "redis" }

func (c *redisChannel) Send(ctx context.Context, ev reminder.Event) error {
	payload := struct {
		reminder.Event
		Subject string `json:"subject"`
		Message string `json:"message"`
		Offset  string `json:"offset"`
	}{Event: ev, Subject: ev.Subject(), Message: ev.Message(), Offset: ev.Offset.Code()}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, b).Err()
}

func (c *redisChannel) Close() error { return c.client.Close() }
