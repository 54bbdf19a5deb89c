package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"raffle/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var player = models.MustAddress("0x000000000000000000000000000000000000a11c")

type failingSink struct{ calls int }

func (f *failingSink) Handle(ctx context.Context, ev Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestBus(t *testing.T) {
	rec := &Recorder{}
	broken := &failingSink{}
	bus := NewBus(broken, LogSink{}, rec)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return at }

	bus.Publish(context.Background(),
		NewPlayerEntered(1, player, 3, 3),
		NewReadyToDraw(1, 1),
		Event{ID: "fixed", Kind: RoundStarted, Round: 2},
	)

	assert.Equal(t, 3, broken.calls, "a failing sink does not stop delivery")
	assert.Equal(t, []Kind{PlayerEntered, ReadyToDraw, RoundStarted}, rec.Kinds())

	got := rec.Events()
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, "fixed", got[2].ID)
	assert.Equal(t, at, got[0].At)
	assert.Equal(t, player, got[0].Account)
	assert.EqualValues(t, 3, got[0].Tickets)

	rec.Reset()
	assert.Empty(t, rec.Events())

	var nilBus *Bus
	nilBus.Publish(context.Background(), NewRoundStarted(1))
}

type messengerStub struct {
	sent []tgbotapi.Chattable
}

func (m *messengerStub) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sent = append(m.sent, c)
	return tgbotapi.Message{}, nil
}

func TestAnnouncer(t *testing.T) {
	bot := &messengerStub{}
	a := &Announcer{bot: bot, chatID: -100}
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, NewPlayerEntered(1, player, 1, 1)))
	assert.Empty(t, bot.sent, "entries are not announced")

	require.NoError(t, a.Handle(ctx, NewWinnerSelected(4, player, 500)))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.EqualValues(t, -100, msg.ChatID)
	assert.Contains(t, msg.Text, "Round *4*")
	assert.Contains(t, msg.Text, string(player))
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)

	for _, ev := range []Event{NewReadyToDraw(5, 10), NewRoundStarted(5), NewPrizeClaimed(4, player, 500)} {
		assert.NotEmpty(t, announcement(ev), ev.Kind)
	}
	assert.Empty(t, announcement(NewDrawRequested(5, 1)))
}

func TestArchiveRow(t *testing.T) {
	ev := NewWinnerSelected(7, player, ^uint64(0))
	ev.ID = "0b7e3d4c-0000-4000-8000-000000000000"
	ev.At = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	row := toRow(ev)
	assert.Equal(t, "raffle_events", row.TableName())
	assert.Equal(t, "18446744073709551615", row.Amount)
	assert.Equal(t, ev, row.event())
}
