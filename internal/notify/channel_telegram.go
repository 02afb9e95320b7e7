package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskplanner/internal/reminder"
)

// TelegramConfig configures the telegram channel. The bot is send-only:
// no poller runs, the daemon only pushes messages to one chat.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

type telegramChannel struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramChannel(cfg TelegramConfig) (Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramChannel{bot: bot, chatID: cfg.ChatID}, nil
}

func (c *telegramChannel) Name() string { return "telegram" }

func (c *telegramChannel) Send(ctx context.Context, ev reminder.Event) error {
	_ = ctx // telebot does not take a context per call
	text := fmt.Sprintf("%s\n%s\nDue: %s",
		ev.Subject(), ev.Message(), ev.DueAt.Format(time.RFC1123))
	_, err := c.bot.Send(tele.ChatID(c.chatID), text)
	return err
}
