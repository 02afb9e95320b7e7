// Package notify delivers fired reminder events to one or more output
// channels through an async pipeline: bounded queue, worker pool, rate
// limit, retry with backoff. Enqueueing is cheap and non-blocking so the
// reminder tick never stalls on a slow channel.
package notify

import (
	"context"
	"time"

	"taskplanner/internal/reminder"
)

// Channel is one delivery target. Send must be safe for concurrent use;
// workers call it in parallel.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev reminder.Event) error
}

type Config struct {
	Enabled bool

	Workers   int
	QueueSize int

	// RatePerSec caps sends across all channels. Burst equals the rate so
	// a tick's worth of events drains quickly without hammering anything.
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// HistoryItem is one delivered notification, kept in a small ring for
// the health endpoint.
type HistoryItem struct {
	At      time.Time `json:"at"`
	TaskID  string    `json:"task_id"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
}

// DeliveryEvent is the bus payload for sent/failed/dropped events.
type DeliveryEvent struct {
	Channel string    `json:"channel,omitempty"`
	TaskID  string    `json:"task_id"`
	EventID string    `json:"event_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
