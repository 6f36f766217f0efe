package ledger

import "errors"

var (
	// ErrInvalidAmount is returned when a mint, burn, or transfer amount is negative.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")

	// ErrInsufficientBalance is returned when a burn or transfer exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrSameAccount is returned when a transfer names the same account on
	// both sides.
	ErrSameAccount = errors.New("ledger: transfer to self")
)
