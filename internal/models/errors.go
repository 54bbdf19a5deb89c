package models

// Error is a raffle failure with a stable numeric code.
type Error struct {
	Code uint32
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Storage errors
var (
	ErrAdminNotFound      = &Error{401, "admin not found"}
	ErrConfigNotFound     = &Error{402, "config not found"}
	ErrRoundNotFound      = &Error{403, "round not found"}
	ErrRoundStatsNotFound = &Error{404, "round stats not found"}
	ErrWinnerNotFound     = &Error{405, "winner not found"}
	ErrAlreadyInitialized = &Error{406, "raffle already initialized"}
)

// State errors
var (
	ErrRoundNotOpen = &Error{500, "round is not open"}
	ErrInvalidState = &Error{501, "invalid round state"}
	ErrTargetNotMet = &Error{502, "participant target not met"}
)

// Prize and winner errors
var (
	ErrAlreadyClaimed      = &Error{600, "prize already claimed"}
	ErrNotWinner           = &Error{601, "caller is not the winner"}
	ErrInsufficientTickets = &Error{602, "ticket count must be positive"}
	ErrNotAdmin            = &Error{603, "caller is not the admin"}
)

// Oracle errors
var (
	ErrUnauthorizedVRF  = &Error{700, "caller is not the configured oracle"}
	ErrVRFRequestFailed = &Error{701, "randomness request failed"}
)

// Transfer errors
var (
	ErrFailedToTransferToWinner = &Error{800, "failed to transfer prize to winner"}
	ErrFailedToTransferFromUser = &Error{801, "failed to collect payment from user"}
	ErrNoBalanceToTransfer      = &Error{802, "pool balance too low to pay out"}
)

var (
	ErrArithmeticOverflow = &Error{900, "arithmetic overflow"}
	ErrInvalidConfig      = &Error{901, "invalid config"}
)
