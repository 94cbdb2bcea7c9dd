package ledger

import "errors"

// Balance errors
var (
	// ErrInsufficientFunds indicates the available balance cannot cover the request
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount indicates a zero or negative amount was supplied
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Settlement errors
var (
	// ErrDuplicateSettlement indicates a reservation was already committed or released.
	// This is an invariant violation on the caller's side and is never silently ignored.
	ErrDuplicateSettlement = errors.New("reservation already settled")

	// ErrReservationNotFound indicates the reservation id is unknown
	ErrReservationNotFound = errors.New("reservation not found")
)

// Account errors
var (
	// ErrAccountNotFound indicates the account id is unknown
	ErrAccountNotFound = errors.New("account not found")
)
