package payment

import (
	"context"
	"math/bits"
	"sync"

	"raffle/internal/models"
)

// Memory is an in-process token ledger for development and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[models.Address]uint64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[models.Address]uint64)}
}

// Mint credits addr out of thin air.
func (m *Memory) Mint(addr models.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, carry := bits.Add64(m.balances[addr], amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	m.balances[addr] = sum
	return nil
}

func (m *Memory) Transfer(ctx context.Context, from, to models.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	sum, carry := bits.Add64(m.balances[to], amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	m.balances[from] -= amount
	m.balances[to] = sum
	return nil
}

func (m *Memory) Balance(ctx context.Context, addr models.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr], nil
}
