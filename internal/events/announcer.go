package events

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Announcer posts round milestones to a Telegram chat.
type Announcer struct {
	bot    messenger
	chatID int64
}

func NewAnnouncer(token string, chatID int64) (*Announcer, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Announcer{bot: bot, chatID: chatID}, nil
}

func (a *Announcer) Handle(ctx context.Context, ev Event) error {
	text := announcement(ev)
	if text == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(a.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := a.bot.Send(msg)
	return err
}

func announcement(ev Event) string {
	switch ev.Kind {
	case ReadyToDraw:
		return fmt.Sprintf("🎟 Round *%d* reached %d participants and can be drawn", ev.Round, ev.Total)
	case WinnerSelected:
		return fmt.Sprintf("🏆 Round *%d* winner: `%s` takes %d", ev.Round, ev.Account, ev.Amount)
	case RoundStarted:
		return fmt.Sprintf("🆕 Round *%d* is open", ev.Round)
	case PrizeClaimed:
		return fmt.Sprintf("💰 `%s` claimed %d from round *%d*", ev.Account, ev.Amount, ev.Round)
	}
	return ""
}
