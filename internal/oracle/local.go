package oracle

import (
	"context"

	"raffle/internal/models"
)

// Local answers inline: the request id it returns is the random value, and
// Fulfill passes it straight back to the requester. Its values are not
// verifiable; anyone trusting the operator's process may use it.
type Local struct {
	addr   models.Address
	source Source
}

// NewLocal creates an inline oracle. A nil source uses CryptoSource.
func NewLocal(addr models.Address, source Source) *Local {
	if source == nil {
		source = CryptoSource
	}
	return &Local{addr: addr, source: source}
}

func (l *Local) Address() models.Address {
	return l.addr
}

func (l *Local) RequestRandom(ctx context.Context, requester models.Address) (uint64, error) {
	return l.source()
}

// Fulfill calls the requester back, identifying as this oracle.
func (l *Local) Fulfill(ctx context.Context, requester Callback, value uint64) error {
	return requester.FulfillRandom(ctx, l.addr, value)
}
