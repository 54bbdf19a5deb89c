// Package oracle defines the randomness source the raffle draws from and two
// in-process implementations of it.
//
// The protocol has two legs. The raffle calls RequestRandom and records the
// returned id; the oracle later answers by calling the raffle's
// FulfillRandom entry point with its own address and the random value. An
// Inline oracle answers within the requesting operation, a Deferred one from
// its own loop.
package oracle

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"raffle/internal/models"
)

// RandomnessOracle is the outbound half of the protocol.
type RandomnessOracle interface {
	// Address is the identity the oracle presents when it calls back.
	Address() models.Address
	RequestRandom(ctx context.Context, requester models.Address) (uint64, error)
}

// Callback is the inbound entry point an oracle answers on.
type Callback interface {
	FulfillRandom(ctx context.Context, oracle models.Address, value uint64) error
}

// Inline is implemented by oracles whose request id is the random value
// itself and which expect it to be echoed back immediately.
type Inline interface {
	RandomnessOracle
	Fulfill(ctx context.Context, requester Callback, value uint64) error
}

// Source produces random values.
type Source func() (uint64, error)

// CryptoSource reads 8 bytes from crypto/rand.
func CryptoSource() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Sequence replays values in order, then repeats the last one. Useful for tests.
func Sequence(values ...uint64) Source {
	i := 0
	return func() (uint64, error) {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v, nil
	}
}
