package services

import (
	"context"
	"errors"
	"math/bits"
	"sync"

	"raffle/internal/draw"
	"raffle/internal/events"
	"raffle/internal/ledger"
	"raffle/internal/models"
	"raffle/internal/oracle"
	"raffle/internal/payment"
	"raffle/internal/store"

	"github.com/google/logger"
	"golang.org/x/xerrors"
)

// RaffleService runs the raffle: ticket sales, the draw and prize claims.
// Every mutating method is atomic; a failure leaves the stored state as it was.
type RaffleService struct {
	mu      sync.RWMutex
	store   *store.Store
	pool    models.Address
	payment payment.Service
	oracle  oracle.RandomnessOracle
	bus     *events.Bus
}

// NewRaffleService wires the service. pool is the account that collects
// ticket payments and pays prizes. An oracle with a Bind method (such as
// oracle.Deferred) is bound to the service's FulfillRandom.
func NewRaffleService(st *store.Store, pool models.Address, pay payment.Service, orc oracle.RandomnessOracle, bus *events.Bus) *RaffleService {
	s := &RaffleService{
		store:   st,
		pool:    pool,
		payment: pay,
		oracle:  orc,
		bus:     bus,
	}
	if b, ok := orc.(interface{ Bind(oracle.Callback) }); ok {
		b.Bind(s)
	}
	return s
}

// Pool is the service's own account.
func (s *RaffleService) Pool() models.Address {
	return s.pool
}

func validateConfig(cfg models.Config) error {
	switch {
	case cfg.Oracle == "":
		return xerrors.Errorf("oracle address is required: %w", models.ErrInvalidConfig)
	case cfg.Token == "":
		return xerrors.Errorf("token address is required: %w", models.ErrInvalidConfig)
	case cfg.TicketPrice == 0:
		return xerrors.Errorf("ticket price must be positive: %w", models.ErrInvalidConfig)
	case cfg.TargetParticipants == 0:
		return xerrors.Errorf("target participants must be positive: %w", models.ErrInvalidConfig)
	}
	return nil
}

// Construct stores the admin and config and opens round 1. It can run only once.
func (s *RaffleService) Construct(ctx context.Context, admin models.Address, cfg models.Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if admin == "" {
		return xerrors.Errorf("admin address is required: %w", models.ErrInvalidConfig)
	}
	if s.oracle != nil && s.oracle.Address() != cfg.Oracle {
		logger.Warningf("raffle: configured oracle %s differs from the wired oracle %s", cfg.Oracle, s.oracle.Address())
	}
	return s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		done, err := l.Initialized()
		if err != nil {
			return err
		}
		if done {
			return models.ErrAlreadyInitialized
		}
		if err := l.SetAdmin(admin); err != nil {
			return err
		}
		if err := l.SetConfig(cfg); err != nil {
			return err
		}
		round, err := l.CreateNewRound()
		if err != nil {
			return err
		}
		f.emit(events.NewRoundStarted(round))
		return nil
	})
}

// SetNewAdmin hands administration to newAdmin. Only the current admin may call it.
func (s *RaffleService) SetNewAdmin(ctx context.Context, caller, newAdmin models.Address) error {
	if newAdmin == "" {
		return xerrors.Errorf("new admin address is required: %w", models.ErrInvalidConfig)
	}
	return s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		admin, err := l.Admin()
		if err != nil {
			return err
		}
		if caller != admin {
			return models.ErrNotAdmin
		}
		if err := l.SetAdmin(newAdmin); err != nil {
			return err
		}
		f.emit(events.NewAdminChanged(newAdmin))
		return nil
	})
}

func add32(a, b uint32) (uint32, error) {
	sum := a + b
	if sum < a {
		return 0, models.ErrArithmeticOverflow
	}
	return sum, nil
}

func add64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, models.ErrArithmeticOverflow
	}
	return sum, nil
}

func mul64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, models.ErrArithmeticOverflow
	}
	return lo, nil
}

// Enter buys n tickets in the current round for caller and returns the
// caller's ticket total. Payment is collected before any ticket is credited.
// With a per-participant cap the purchase is cut down to what still fits; a
// participant already at the cap gets the current total back and pays nothing.
func (s *RaffleService) Enter(ctx context.Context, caller models.Address, n uint32) (uint32, error) {
	if n == 0 {
		return 0, models.ErrInsufficientTickets
	}
	var total uint32
	err := s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		cfg, err := l.Config()
		if err != nil {
			return err
		}
		round, err := l.CurrentRound()
		if err != nil {
			return err
		}
		if round.State != models.StateOpen {
			return models.ErrRoundNotOpen
		}
		prior, err := l.UserTickets(round.Number, caller)
		if err != nil {
			return err
		}
		granted := n
		if limit := cfg.MaxTicketsPerParticipant; limit > 0 {
			if prior >= limit {
				total = prior
				return nil
			}
			if room := limit - prior; granted > room {
				granted = room
			}
		}
		st, err := l.Stats(round.Number)
		if err != nil {
			return err
		}
		next, err := entryStats(st, cfg, prior, granted)
		if err != nil {
			return err
		}
		amount := next.PrizePool - st.PrizePool

		if err := s.payment.Transfer(ctx, caller, s.pool, amount); err != nil {
			return xerrors.Errorf("collect %d from %s: %v: %w", amount, caller, err, models.ErrFailedToTransferFromUser)
		}
		f.onAbort(func(ctx context.Context) {
			if err := s.payment.Transfer(ctx, s.pool, caller, amount); err != nil {
				logger.Errorf("raffle: refund of %d to %s failed, reconcile manually: %v", amount, caller, err)
				return
			}
			logger.Warningf("raffle: refunded %d to %s after a failed entry", amount, caller)
		})

		// The payment service may have called back in; refuse to build on a
		// round that moved underneath us.
		if err := s.unchanged(l, round, st, caller, prior); err != nil {
			return err
		}

		if prior == 0 {
			if next.TotalParticipants, err = l.AddParticipant(round.Number, caller); err != nil {
				return err
			}
		}
		if err := l.SetUserTickets(round.Number, caller, prior+granted); err != nil {
			return err
		}
		if err := l.PutStats(round.Number, next); err != nil {
			return err
		}

		f.emit(events.NewPlayerEntered(round.Number, caller, granted, next.TotalTickets))
		if prior == 0 && next.TotalParticipants == cfg.TargetParticipants {
			f.emit(events.NewReadyToDraw(round.Number, next.TotalParticipants))
		}
		total = prior + granted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// entryStats computes the round's stats after granting tickets to a
// participant holding prior, failing on any overflow.
func entryStats(st models.RoundStats, cfg models.Config, prior, granted uint32) (models.RoundStats, error) {
	if _, err := add32(prior, granted); err != nil {
		return st, err
	}
	tickets, err := add32(st.TotalTickets, granted)
	if err != nil {
		return st, err
	}
	amount, err := mul64(uint64(granted), cfg.TicketPrice)
	if err != nil {
		return st, err
	}
	pool, err := add64(st.PrizePool, amount)
	if err != nil {
		return st, err
	}
	participants := st.TotalParticipants
	if prior == 0 {
		if participants, err = add32(participants, 1); err != nil {
			return st, err
		}
	}
	return models.RoundStats{TotalTickets: tickets, TotalParticipants: participants, PrizePool: pool}, nil
}

func (s *RaffleService) unchanged(l *ledger.Ledger, round models.Round, st models.RoundStats, caller models.Address, prior uint32) error {
	now, err := l.CurrentRound()
	if err != nil {
		return err
	}
	nowStats, err := l.Stats(round.Number)
	if err != nil {
		return err
	}
	nowPrior, err := l.UserTickets(round.Number, caller)
	if err != nil {
		return err
	}
	if now != round || nowStats != st || nowPrior != prior {
		return xerrors.Errorf("round %d changed during payment: %w", round.Number, models.ErrInvalidState)
	}
	return nil
}

// RequestDraw closes ticket sales on the current round and asks the oracle
// for randomness. It returns the request id. An inline oracle answers before
// RequestDraw returns, so the round is already completed by then.
func (s *RaffleService) RequestDraw(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		cfg, err := l.Config()
		if err != nil {
			return err
		}
		round, err := l.CurrentRound()
		if err != nil {
			return err
		}
		if round.State != models.StateOpen {
			return models.ErrInvalidState
		}
		st, err := l.Stats(round.Number)
		if err != nil {
			return err
		}
		if st.TotalParticipants < cfg.TargetParticipants {
			return models.ErrTargetNotMet
		}

		round.State = models.StateDrawing
		if err := l.PutRound(round); err != nil {
			return err
		}
		if s.oracle == nil {
			return xerrors.Errorf("no oracle wired: %w", models.ErrVRFRequestFailed)
		}
		v, err := s.oracle.RequestRandom(ctx, s.pool)
		if err != nil {
			return xerrors.Errorf("round %d: %v: %w", round.Number, err, models.ErrVRFRequestFailed)
		}
		round.RequestID, round.HasRequest = v, true
		if err := l.PutRound(round); err != nil {
			return err
		}
		f.emit(events.NewDrawRequested(round.Number, v))
		id = v

		if in, ok := s.oracle.(oracle.Inline); ok {
			return in.Fulfill(ctx, s, v)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FulfillRandom is the oracle's callback. It picks the winner of the drawing
// round, completes it and opens the next one. Only the configured oracle may
// call it, and only while a round is drawing.
func (s *RaffleService) FulfillRandom(ctx context.Context, orc models.Address, value uint64) error {
	return s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		cfg, err := l.Config()
		if err != nil {
			return err
		}
		if orc != cfg.Oracle {
			return models.ErrUnauthorizedVRF
		}
		round, err := l.CurrentRound()
		if err != nil {
			return err
		}
		if round.State != models.StateDrawing {
			return models.ErrInvalidState
		}
		st, err := l.Stats(round.Number)
		if err != nil {
			return err
		}

		winner, err := draw.SelectWinner(value, st.TotalTickets, l.Holders(round.Number))
		if err != nil {
			if errors.Is(err, models.ErrWinnerNotFound) {
				logger.Errorf("raffle: round %d ledger is inconsistent: %v", round.Number, err)
			}
			return err
		}
		rec := models.WinnerRecord{Round: round.Number, Winner: winner, Amount: st.PrizePool}
		if err := l.CreateWinnerRecord(rec); err != nil {
			return err
		}
		round.State = models.StateCompleted
		if err := l.PutRound(round); err != nil {
			return err
		}
		next, err := l.CreateNewRound()
		if err != nil {
			return err
		}
		f.emit(events.NewWinnerSelected(round.Number, winner, st.PrizePool))
		f.emit(events.NewRoundStarted(next))
		return nil
	})
}

// ClaimPrize pays the winner of round. The record is marked claimed before
// any money moves.
func (s *RaffleService) ClaimPrize(ctx context.Context, claimer models.Address, round uint32) (uint64, error) {
	var amount uint64
	err := s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
		var err error
		amount, err = s.claim(ctx, l, f, claimer, round)
		return err
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *RaffleService) claim(ctx context.Context, l *ledger.Ledger, f *frame, claimer models.Address, round uint32) (uint64, error) {
	// checks
	rec, ok, err := l.WinnerRecord(round)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, models.ErrWinnerNotFound
	}
	if claimer != rec.Winner {
		return 0, models.ErrNotWinner
	}
	if rec.Claimed {
		return 0, models.ErrAlreadyClaimed
	}
	if f.nested {
		return 0, xerrors.Errorf("round %d: prizes are paid only by a top-level call: %w", round, models.ErrInvalidState)
	}

	// effects
	if err := l.MarkClaimed(round); err != nil {
		return 0, err
	}

	// interactions
	bal, err := s.payment.Balance(ctx, s.pool)
	if err != nil {
		return 0, xerrors.Errorf("pool balance: %v: %w", err, models.ErrFailedToTransferToWinner)
	}
	if bal < rec.Amount {
		return 0, xerrors.Errorf("pool holds %d, prize is %d: %w", bal, rec.Amount, models.ErrNoBalanceToTransfer)
	}
	if err := s.payment.Transfer(ctx, s.pool, claimer, rec.Amount); err != nil {
		return 0, xerrors.Errorf("pay %d to %s: %v: %w", rec.Amount, claimer, err, models.ErrFailedToTransferToWinner)
	}
	// The prize has left the pool. If the claim does not commit, record it
	// again on its own so the round can never be paid twice.
	f.onAbort(func(ctx context.Context) {
		err := s.update(ctx, func(ctx context.Context, l *ledger.Ledger, f *frame) error {
			if err := l.MarkClaimed(round); err != nil {
				return err
			}
			f.emit(events.NewPrizeClaimed(round, claimer, rec.Amount))
			return nil
		})
		if err != nil {
			logger.Errorf("raffle: round %d prize of %d paid to %s but not recorded, reconcile manually: %v", round, rec.Amount, claimer, err)
		}
	})
	f.emit(events.NewPrizeClaimed(round, claimer, rec.Amount))
	return rec.Amount, nil
}

// ClaimAllPrizes claims every unclaimed round claimer won and returns the
// total paid. Nothing is paid unless the pool covers the whole batch. Each
// round is claimed in its own step, so when one fails the rounds paid before
// it stay claimed and the returned total counts them.
func (s *RaffleService) ClaimAllPrizes(ctx context.Context, claimer models.Address) (uint64, error) {
	var due []uint32
	var owed uint64
	err := s.view(ctx, func(l *ledger.Ledger) error {
		rounds, err := l.WinningRounds(claimer)
		if err != nil {
			return err
		}
		for _, r := range rounds {
			rec, ok, err := l.WinnerRecord(r)
			if err != nil {
				return err
			}
			if !ok || rec.Claimed {
				continue
			}
			if owed, err = add64(owed, rec.Amount); err != nil {
				return err
			}
			due = append(due, r)
		}
		return nil
	})
	if err != nil || len(due) == 0 {
		return 0, err
	}

	bal, err := s.payment.Balance(ctx, s.pool)
	if err != nil {
		return 0, xerrors.Errorf("pool balance: %v: %w", err, models.ErrFailedToTransferToWinner)
	}
	if bal < owed {
		return 0, xerrors.Errorf("pool holds %d, prizes total %d: %w", bal, owed, models.ErrNoBalanceToTransfer)
	}

	var total uint64
	for _, r := range due {
		amount, err := s.ClaimPrize(ctx, claimer, r)
		switch {
		case errors.Is(err, models.ErrAlreadyClaimed):
			continue
		case err != nil:
			return total, xerrors.Errorf("round %d: %w", r, err)
		}
		total += amount
	}
	return total, nil
}

func (s *RaffleService) Config(ctx context.Context) (cfg models.Config, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		cfg, err = l.Config()
		return err
	})
	return cfg, err
}

func (s *RaffleService) Admin(ctx context.Context) (admin models.Address, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		admin, err = l.Admin()
		return err
	})
	return admin, err
}

// CurrentRoundNumber is 0 until the raffle is constructed.
func (s *RaffleService) CurrentRoundNumber(ctx context.Context) (n uint32, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		n, err = l.CurrentRoundNumber()
		return err
	})
	return n, err
}

func (s *RaffleService) CurrentRound(ctx context.Context) (r models.Round, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		r, err = l.CurrentRound()
		return err
	})
	return r, err
}

func (s *RaffleService) RoundInfo(ctx context.Context, round uint32) (r models.Round, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		r, err = l.Round(round)
		return err
	})
	return r, err
}

func (s *RaffleService) RoundStats(ctx context.Context, round uint32) (st models.RoundStats, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		st, err = l.Stats(round)
		return err
	})
	return st, err
}

func (s *RaffleService) UserTickets(ctx context.Context, round uint32, user models.Address) (n uint32, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		n, err = l.UserTickets(round, user)
		return err
	})
	return n, err
}

// Participants lists the round's participants in the order they first entered.
func (s *RaffleService) Participants(ctx context.Context, round uint32) (ps []models.Address, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		ps, err = l.Participants(round)
		return err
	})
	return ps, err
}

// Winner reports false while the round has no winner.
func (s *RaffleService) Winner(ctx context.Context, round uint32) (rec models.WinnerRecord, ok bool, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		rec, ok, err = l.WinnerRecord(round)
		return err
	})
	return rec, ok, err
}

func (s *RaffleService) UserWinningRounds(ctx context.Context, user models.Address) (rounds []uint32, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		rounds, err = l.WinningRounds(user)
		return err
	})
	return rounds, err
}

func (s *RaffleService) UnclaimedPrizes(ctx context.Context, user models.Address) (recs []models.WinnerRecord, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		rounds, err := l.WinningRounds(user)
		if err != nil {
			return err
		}
		recs = recs[:0]
		for _, r := range rounds {
			rec, ok, err := l.WinnerRecord(r)
			if err != nil {
				return err
			}
			if ok && !rec.Claimed {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	return recs, err
}

// IsReadyToDraw reports whether RequestDraw would pass its state and target checks.
func (s *RaffleService) IsReadyToDraw(ctx context.Context) (ready bool, err error) {
	err = s.view(ctx, func(l *ledger.Ledger) error {
		cfg, err := l.Config()
		if err != nil {
			return err
		}
		round, err := l.CurrentRound()
		if err != nil {
			return err
		}
		st, err := l.Stats(round.Number)
		if err != nil {
			return err
		}
		ready = round.State == models.StateOpen && st.TotalParticipants >= cfg.TargetParticipants
		return nil
	})
	return ready, err
}

// RestoreArchived renews storage entries whose expiry passed while nothing touched them.
func (s *RaffleService) RestoreArchived() {
	n, err := s.store.Restore()
	if err != nil {
		logger.Errorf("raffle: restoring archived entries: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("raffle: restored %d archived entries", n)
	}
}
