// Package draw picks a ticket-weighted winner from a random value.
//
// Participants' tickets form one sequence in registration order: the first
// participant holds [0, n1), the next [n1, n1+n2), and so on. The winning
// ticket is random mod total, and its holder wins. Chance of winning is
// therefore proportional to ticket share.
package draw

import (
	"raffle/internal/models"

	"golang.org/x/xerrors"
)

// Registry enumerates ticket holders in registration order.
type Registry interface {
	Walk(fn func(participant models.Address, tickets uint32) (stop bool, err error)) error
}

// WinningTicket maps random onto [0, total).
func WinningTicket(random uint64, total uint32) (uint32, error) {
	if total == 0 {
		return 0, models.ErrTargetNotMet
	}
	return uint32(random % uint64(total)), nil
}

// SelectWinner returns the holder of ticket random mod total. A miss means the
// registry and the stored total disagree, which is a storage bug.
func SelectWinner(random uint64, total uint32, reg Registry) (models.Address, error) {
	winning, err := WinningTicket(random, total)
	if err != nil {
		return "", err
	}

	var (
		winner models.Address
		offset uint64
	)
	err = reg.Walk(func(p models.Address, tickets uint32) (bool, error) {
		end := offset + uint64(tickets)
		if uint64(winning) >= offset && uint64(winning) < end {
			winner = p
			return true, nil
		}
		offset = end
		return false, nil
	})
	if err != nil {
		return "", err
	}
	if winner == "" {
		return "", xerrors.Errorf("ticket %d of %d not covered (walked %d): %w",
			winning, total, offset, models.ErrWinnerNotFound)
	}
	return winner, nil
}
