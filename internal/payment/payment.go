// Package payment moves the raffle's asset between accounts.
package payment

import (
	"context"
	"errors"

	"raffle/internal/models"
)

// Service is the asset the raffle collects ticket payments in and pays prizes out of.
type Service interface {
	Transfer(ctx context.Context, from, to models.Address, amount uint64) error
	Balance(ctx context.Context, addr models.Address) (uint64, error)
}

var (
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	ErrOverflow          = errors.New("payment: balance overflow")
)
