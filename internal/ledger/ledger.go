// Package ledger holds the raffle's typed state on top of the store: the
// process-wide config and counters, rounds and their stats, the per-user
// ticket ledger, the bucketed participant registry and the winner records.
package ledger

import (
	"fmt"

	"raffle/internal/models"
	"raffle/internal/store"

	"golang.org/x/xerrors"
)

// BucketSize is the capacity of one participant bucket.
const BucketSize = 100

const (
	keyAdmin        = "admin"
	keyConfig       = "config"
	keyTotalRounds  = "total_rounds"
	keyCurrentRound = "current_round"
)

var instanceKeys = []string{keyAdmin, keyConfig, keyTotalRounds, keyCurrentRound}

func roundKey(round uint32) string { return fmt.Sprintf("round/%d", round) }
func statsKey(round uint32) string { return fmt.Sprintf("stats/%d", round) }
func bucketKey(round, idx uint32) string {
	return fmt.Sprintf("bucket/%d/%d", round, idx)
}
func ticketsKey(round uint32, user models.Address) string {
	return fmt.Sprintf("tickets/%d/%s", round, user)
}
func winnerKey(round uint32) string { return fmt.Sprintf("winner/%d", round) }
func winningRoundsKey(user models.Address) string {
	return fmt.Sprintf("winning_rounds/%s", user)
}

// records wrap scalars; the store encodes structs only.
type addressRecord struct{ Address models.Address }
type counterRecord struct{ Value uint32 }
type roundsRecord struct{ Rounds []uint32 }

// Ledger reads and writes raffle state inside one store transaction.
type Ledger struct {
	tx *store.Tx
}

// New binds a Ledger to tx.
func New(tx *store.Tx) *Ledger {
	return &Ledger{tx: tx}
}

// Tx returns the underlying transaction.
func (l *Ledger) Tx() *store.Tx {
	return l.tx
}

// ExtendInstanceTTL renews the process-wide entries.
func (l *Ledger) ExtendInstanceTTL() error {
	for _, k := range instanceKeys {
		if _, err := l.tx.Extend(store.Instance, k); err != nil {
			return err
		}
	}
	return nil
}

// Initialized reports whether a config has been stored.
func (l *Ledger) Initialized() (bool, error) {
	return l.tx.Get(store.Instance, keyConfig, &models.Config{})
}

func (l *Ledger) SetAdmin(admin models.Address) error {
	return l.tx.Put(store.Instance, keyAdmin, &addressRecord{Address: admin})
}

func (l *Ledger) Admin() (models.Address, error) {
	rec := addressRecord{}
	ok, err := l.tx.Get(store.Instance, keyAdmin, &rec)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", models.ErrAdminNotFound
	}
	return rec.Address, nil
}

func (l *Ledger) SetConfig(cfg models.Config) error {
	return l.tx.Put(store.Instance, keyConfig, &cfg)
}

func (l *Ledger) Config() (models.Config, error) {
	cfg := models.Config{}
	ok, err := l.tx.Get(store.Instance, keyConfig, &cfg)
	if err != nil {
		return cfg, err
	}
	if !ok {
		return cfg, models.ErrConfigNotFound
	}
	return cfg, nil
}

func (l *Ledger) instanceCounter(key string) (uint32, error) {
	rec := counterRecord{}
	if _, err := l.tx.Get(store.Instance, key, &rec); err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// TotalRounds is the number of rounds ever created.
func (l *Ledger) TotalRounds() (uint32, error) {
	return l.instanceCounter(keyTotalRounds)
}

// CurrentRoundNumber is 0 before construction.
func (l *Ledger) CurrentRoundNumber() (uint32, error) {
	return l.instanceCounter(keyCurrentRound)
}

// CreateNewRound opens the next round with zeroed stats and makes it current.
func (l *Ledger) CreateNewRound() (uint32, error) {
	total, err := l.TotalRounds()
	if err != nil {
		return 0, err
	}
	if total == ^uint32(0) {
		return 0, models.ErrArithmeticOverflow
	}
	next := total + 1
	if err := l.PutRound(models.Round{Number: next, State: models.StateOpen}); err != nil {
		return 0, err
	}
	if err := l.PutStats(next, models.RoundStats{}); err != nil {
		return 0, err
	}
	if err := l.tx.Put(store.Instance, keyTotalRounds, &counterRecord{Value: next}); err != nil {
		return 0, err
	}
	if err := l.tx.Put(store.Instance, keyCurrentRound, &counterRecord{Value: next}); err != nil {
		return 0, err
	}
	return next, nil
}

func (l *Ledger) Round(round uint32) (models.Round, error) {
	r := models.Round{}
	ok, err := l.tx.Get(store.Persistent, roundKey(round), &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, models.ErrRoundNotFound
	}
	return r, nil
}

func (l *Ledger) CurrentRound() (models.Round, error) {
	n, err := l.CurrentRoundNumber()
	if err != nil {
		return models.Round{}, err
	}
	return l.Round(n)
}

func (l *Ledger) PutRound(r models.Round) error {
	return l.tx.Put(store.Persistent, roundKey(r.Number), &r)
}

func (l *Ledger) Stats(round uint32) (models.RoundStats, error) {
	st := models.RoundStats{}
	ok, err := l.tx.Get(store.Persistent, statsKey(round), &st)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, models.ErrRoundStatsNotFound
	}
	return st, nil
}

func (l *Ledger) PutStats(round uint32, st models.RoundStats) error {
	return l.tx.Put(store.Persistent, statsKey(round), &st)
}

// UserTickets is 0 for a user who never entered the round.
func (l *Ledger) UserTickets(round uint32, user models.Address) (uint32, error) {
	return l.readCounter(ticketsKey(round, user))
}

func (l *Ledger) SetUserTickets(round uint32, user models.Address, total uint32) error {
	return l.tx.Put(store.Persistent, ticketsKey(round, user), &counterRecord{Value: total})
}

func (l *Ledger) readCounter(key string) (uint32, error) {
	rec := counterRecord{}
	if _, err := l.tx.Get(store.Persistent, key, &rec); err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// Bucket returns an empty bucket when none was written yet.
func (l *Ledger) Bucket(round, idx uint32) (models.ParticipantBucket, error) {
	b := models.ParticipantBucket{}
	_, err := l.tx.Get(store.Persistent, bucketKey(round, idx), &b)
	return b, err
}

// AddParticipant appends user to the bucket implied by the current
// participant count and bumps that count. It returns the new count.
func (l *Ledger) AddParticipant(round uint32, user models.Address) (uint32, error) {
	st, err := l.Stats(round)
	if err != nil {
		return 0, err
	}
	if st.TotalParticipants == ^uint32(0) {
		return 0, models.ErrArithmeticOverflow
	}
	idx := st.TotalParticipants / BucketSize
	b, err := l.Bucket(round, idx)
	if err != nil {
		return 0, err
	}
	b.Participants = append(b.Participants, user)
	if err := l.tx.Put(store.Persistent, bucketKey(round, idx), &b); err != nil {
		return 0, err
	}
	st.TotalParticipants++
	if err := l.PutStats(round, st); err != nil {
		return 0, err
	}
	return st.TotalParticipants, nil
}

// Participants lists every participant of the round in registration order.
func (l *Ledger) Participants(round uint32) ([]models.Address, error) {
	st, err := l.Stats(round)
	if err != nil {
		return nil, err
	}
	all := make([]models.Address, 0, st.TotalParticipants)
	for idx := uint32(0); idx < bucketCount(st.TotalParticipants); idx++ {
		b, err := l.Bucket(round, idx)
		if err != nil {
			return nil, err
		}
		all = append(all, b.Participants...)
	}
	return all, nil
}

func bucketCount(participants uint32) uint32 {
	n := participants / BucketSize
	if participants%BucketSize != 0 {
		n++
	}
	return n
}

// Holders returns the round's participants with their ticket counts, walked
// lazily one bucket at a time.
func (l *Ledger) Holders(round uint32) Holders {
	return Holders{l: l, round: round}
}

// Holders walks a round's ticket holders in registration order.
type Holders struct {
	l     *Ledger
	round uint32
}

// Walk calls fn for each holder until fn returns true or an error.
func (h Holders) Walk(fn func(participant models.Address, tickets uint32) (bool, error)) error {
	st, err := h.l.Stats(h.round)
	if err != nil {
		return err
	}
	for idx := uint32(0); idx < bucketCount(st.TotalParticipants); idx++ {
		b, err := h.l.Bucket(h.round, idx)
		if err != nil {
			return err
		}
		for _, p := range b.Participants {
			n, err := h.l.UserTickets(h.round, p)
			if err != nil {
				return err
			}
			stop, err := fn(p, n)
			if err != nil || stop {
				return err
			}
		}
	}
	return nil
}

// WinnerRecord reports false when the round has no winner yet.
func (l *Ledger) WinnerRecord(round uint32) (models.WinnerRecord, bool, error) {
	rec := models.WinnerRecord{}
	ok, err := l.tx.Get(store.Persistent, winnerKey(round), &rec)
	return rec, ok, err
}

// CreateWinnerRecord stores the round's winner and appends the round to the
// winner's index. A round can have only one record.
func (l *Ledger) CreateWinnerRecord(rec models.WinnerRecord) error {
	_, exists, err := l.WinnerRecord(rec.Round)
	if err != nil {
		return err
	}
	if exists {
		return xerrors.Errorf("winner record for round %d exists: %w", rec.Round, models.ErrInvalidState)
	}
	if err := l.tx.Put(store.Persistent, winnerKey(rec.Round), &rec); err != nil {
		return err
	}
	rounds, err := l.WinningRounds(rec.Winner)
	if err != nil {
		return err
	}
	return l.tx.Put(store.Persistent, winningRoundsKey(rec.Winner), &roundsRecord{Rounds: append(rounds, rec.Round)})
}

// MarkClaimed flips the round's record to claimed.
func (l *Ledger) MarkClaimed(round uint32) error {
	rec, ok, err := l.WinnerRecord(round)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrWinnerNotFound
	}
	rec.Claimed = true
	return l.tx.Put(store.Persistent, winnerKey(round), &rec)
}

// WinningRounds lists the rounds user won, oldest first.
func (l *Ledger) WinningRounds(user models.Address) ([]uint32, error) {
	rec := roundsRecord{}
	if _, err := l.tx.Get(store.Persistent, winningRoundsKey(user), &rec); err != nil {
		return nil, err
	}
	return rec.Rounds, nil
}
