// Package events carries the raffle's notifications to whoever listens:
// the process log, a SQL archive, a Telegram group. Delivery is best effort
// and never affects the operation that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"raffle/internal/models"

	"github.com/google/logger"
	"github.com/google/uuid"
)

type Kind string

const (
	PlayerEntered  Kind = "PlayerEntered"
	ReadyToDraw    Kind = "ReadyToDraw"
	DrawRequested  Kind = "DrawRequested"
	WinnerSelected Kind = "WinnerSelected"
	RoundStarted   Kind = "RoundStarted"
	PrizeClaimed   Kind = "PrizeClaimed"
	AdminChanged   Kind = "AdminChanged"
)

// Event is a single notification. Which fields are set depends on Kind:
// Account is the player, winner, claimer or new admin; Total is the round's
// ticket count for PlayerEntered and its participant count for ReadyToDraw.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Round     uint32         `json:"round"`
	Account   models.Address `json:"account,omitempty"`
	Tickets   uint32         `json:"tickets,omitempty"`
	Total     uint32         `json:"total,omitempty"`
	Amount    uint64         `json:"amount,omitempty"`
	RequestID uint64         `json:"requestId,omitempty"`
	At        time.Time      `json:"at"`
}

func NewPlayerEntered(round uint32, player models.Address, tickets, totalTickets uint32) Event {
	return Event{Kind: PlayerEntered, Round: round, Account: player, Tickets: tickets, Total: totalTickets}
}

func NewReadyToDraw(round, participants uint32) Event {
	return Event{Kind: ReadyToDraw, Round: round, Total: participants}
}

func NewDrawRequested(round uint32, requestID uint64) Event {
	return Event{Kind: DrawRequested, Round: round, RequestID: requestID}
}

func NewWinnerSelected(round uint32, winner models.Address, prize uint64) Event {
	return Event{Kind: WinnerSelected, Round: round, Account: winner, Amount: prize}
}

func NewRoundStarted(round uint32) Event {
	return Event{Kind: RoundStarted, Round: round}
}

func NewPrizeClaimed(round uint32, winner models.Address, amount uint64) Event {
	return Event{Kind: PrizeClaimed, Round: round, Account: winner, Amount: amount}
}

func NewAdminChanged(admin models.Address) Event {
	return Event{Kind: AdminChanged, Account: admin}
}

// Sink receives published events.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// Bus fans events out to its sinks in order. A failing sink is logged and skipped.
type Bus struct {
	sinks []Sink
	now   func() time.Time
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks, now: time.Now}
}

// Attach adds a sink. It is not safe to call concurrently with Publish.
func (b *Bus) Attach(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish stamps each event with an id and time and hands it to every sink.
func (b *Bus) Publish(ctx context.Context, evs ...Event) {
	if b == nil {
		return
	}
	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.At.IsZero() {
			ev.At = b.now().UTC()
		}
		for _, s := range b.sinks {
			if err := s.Handle(ctx, ev); err != nil {
				logger.Warningf("events: %T dropped %s %s: %v", s, ev.Kind, ev.ID, err)
			}
		}
	}
}

// LogSink writes every event to the process log.
type LogSink struct{}

func (LogSink) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case PlayerEntered:
		logger.Infof("round %d: %s bought %d ticket(s), %d sold", ev.Round, ev.Account, ev.Tickets, ev.Total)
	case ReadyToDraw:
		logger.Infof("round %d: ready to draw with %d participants", ev.Round, ev.Total)
	case DrawRequested:
		logger.Infof("round %d: draw requested (%d)", ev.Round, ev.RequestID)
	case WinnerSelected:
		logger.Infof("round %d: %s won %d", ev.Round, ev.Account, ev.Amount)
	case RoundStarted:
		logger.Infof("round %d: started", ev.Round)
	case PrizeClaimed:
		logger.Infof("round %d: %s claimed %d", ev.Round, ev.Account, ev.Amount)
	default:
		logger.Infof("%s %+v", ev.Kind, ev)
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
