package events

import (
	"context"
	"strconv"
	"time"

	"raffle/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type eventRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Kind      string `gorm:"size:32;index"`
	Round     uint32 `gorm:"index"`
	Account   string `gorm:"size:42;index"`
	Tickets   uint32
	Total     uint32
	Amount    string    `gorm:"type:text"` // decimal, may exceed bigint
	RequestID string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (eventRow) TableName() string {
	return "raffle_events"
}

func toRow(ev Event) eventRow {
	return eventRow{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		Round:     ev.Round,
		Account:   string(ev.Account),
		Tickets:   ev.Tickets,
		Total:     ev.Total,
		Amount:    strconv.FormatUint(ev.Amount, 10),
		RequestID: strconv.FormatUint(ev.RequestID, 10),
		CreatedAt: ev.At,
	}
}

func (r eventRow) event() Event {
	amount, _ := strconv.ParseUint(r.Amount, 10, 64)
	id, _ := strconv.ParseUint(r.RequestID, 10, 64)
	return Event{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Round:     r.Round,
		Account:   models.Address(r.Account),
		Tickets:   r.Tickets,
		Total:     r.Total,
		Amount:    amount,
		RequestID: id,
		At:        r.CreatedAt,
	}
}

// Archive stores events in the raffle_events table.
type Archive struct {
	db *gorm.DB
}

// OpenArchive connects to postgres and migrates the table.
func OpenArchive(dsn string) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewArchive(db)
}

func NewArchive(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Handle(ctx context.Context, ev Event) error {
	row := toRow(ev)
	return a.db.WithContext(ctx).Create(&row).Error
}

// Recent returns up to limit events, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Event, error) {
	var rows []eventRow
	if err := a.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	evs := make([]Event, len(rows))
	for i, r := range rows {
		evs[i] = r.event()
	}
	return evs, nil
}
