package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies an account: a participant, the pool, the payment asset or the oracle.
// It is always stored in EIP-55 checksum form.
type Address string

// ParseAddress validates a hex account string and returns it in checksum form.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address: %q", s)
	}
	return Address(common.HexToAddress(s).Hex()), nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Common returns the go-ethereum form of the address.
func (a Address) Common() common.Address {
	return common.HexToAddress(string(a))
}

func (a Address) String() string {
	return string(a)
}

// State is the lifecycle state of a round.
type State uint32

const (
	StateOpen      State = iota // accepting ticket purchases
	StateDrawing                // randomness requested, waiting for the callback
	StateCompleted              // winner stored, round finished
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateDrawing:
		return "DRAWING"
	case StateCompleted:
		return "COMPLETED"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is fixed at construction.
type Config struct {
	Oracle             Address `json:"oracle"`
	Token              Address `json:"token"`
	TicketPrice        uint64  `json:"ticketPrice"`
	TargetParticipants uint32  `json:"targetParticipants"`
	// MaxTicketsPerParticipant caps a participant's holding in a round; 0 disables the cap.
	MaxTicketsPerParticipant uint32 `json:"maxTicketsPerParticipant"`
}

// Round is one cycle of ticket sales, draw and payout.
type Round struct {
	Number     uint32 `json:"round"`
	State      State  `json:"state"`
	RequestID  uint64 `json:"requestId,omitempty"`
	HasRequest bool   `json:"hasRequest"`
}

// PendingRequest returns the oracle request id recorded for the round, if any.
func (r Round) PendingRequest() (uint64, bool) {
	return r.RequestID, r.HasRequest
}

// RoundStats aggregates a round's ticket sales.
type RoundStats struct {
	TotalTickets      uint32 `json:"totalTickets"`
	TotalParticipants uint32 `json:"totalParticipants"`
	PrizePool         uint64 `json:"prizePool"`
}

// ParticipantBucket is one fixed-capacity page of a round's participant list.
type ParticipantBucket struct {
	Participants []Address `json:"participants"`
}

// WinnerRecord proves who won a round and whether the prize was paid.
type WinnerRecord struct {
	Round   uint32  `json:"round"`
	Winner  Address `json:"winner"`
	Amount  uint64  `json:"amount"`
	Claimed bool    `json:"claimed"`
}
