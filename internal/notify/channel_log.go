package notify

import (
	"context"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

// logChannel writes notifications to the structured log. It is the
// always-available fallback: even with no external channels configured,
// reminders leave a visible trace.
type logChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &logChannel{log: log}
}

func (c *logChannel) Name() string { return "log" }

func (c *logChannel) Send(ctx context.Context, ev reminder.Event) error {
	_ = ctx
	c.log.Info(ev.Message(),
		logx.String("subject", ev.Subject()),
		logx.String("task", ev.TaskID),
		logx.String("offset", ev.Offset.Code()),
		logx.Time("due_at", ev.DueAt))
	return nil
}
