package channels

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
)

type telegramSender struct {
	bot *telego.Bot
}

func newTelegramSender(token string) (Sender, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: botToken not configured")
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &telegramSender{bot: bot}, nil
}

func (s *telegramSender) SendText(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", msg.To, err)
	}
	params := tu.Message(tu.ID(chatID), msg.Content)
	if msg.ThreadID != "" {
		if tid, err := strconv.Atoi(msg.ThreadID); err == nil {
			params.MessageThreadID = tid
		}
	}
	_, err = s.bot.SendMessage(ctx, params)
	return err
}

func (s *telegramSender) SendTyping(ctx context.Context, to string) error {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", to, err)
	}
	return s.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
}
