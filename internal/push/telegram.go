package push

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "chatnotify/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// Chats maps recipient ids to chat ids. Recipients missing here are
	// delivered to when their id is itself a numeric chat id.
	Chats map[string]int64
}

// Telegram delivers notifications as bot messages.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Send-only: the poller is never started.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, log: log, bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	chatID, err := t.cfg.route(n.RecipientID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = t.bot.Send(&tele.Chat{ID: chatID}, renderHTML(n), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("telegram push sent", logx.String("recipient", n.RecipientID), logx.Int64("chat", chatID))
	return nil
}

func (c TelegramConfig) route(recipientID string) (int64, error) {
	if id, ok := c.Chats[recipientID]; ok && id != 0 {
		return id, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoRoute, recipientID)
	}
	return id, nil
}

func renderHTML(n Notification) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Body))
	}
	return b.String()
}
