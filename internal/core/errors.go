package core

import (
	"errors"

	"PegLedger/internal/ledger"
)

// Operation rejections. These are business outcomes surfaced to the
// caller, not processing failures; the engine commits nothing when it
// returns one of them.
var (
	// ErrInvalidAmount rejects operations with a nil or non-positive amount.
	ErrInvalidAmount = errors.New("core: operation amount must be positive")

	// ErrDeficit blocks stable burns while collateral value is below the
	// outstanding stable supply.
	ErrDeficit = errors.New("core: system is in deficit")

	// ErrInsufficientBootstrapCollateral rejects a buffer deposit too small
	// to clear the deficit plus the initial collateral ratio.
	ErrInsufficientBootstrapCollateral = errors.New("core: deposit below bootstrap minimum")

	// ErrBufferPoolNotInitialized rejects surplus-branch buffer operations
	// before the first bootstrap deposit has created the pool.
	ErrBufferPoolNotInitialized = errors.New("core: buffer pool not initialized")

	// ErrNoSurplusToWithdraw rejects buffer withdrawals when the system
	// holds no positive surplus.
	ErrNoSurplusToWithdraw = errors.New("core: no surplus to withdraw")

	// ErrInsufficientBufferBalance rejects withdrawals exceeding the
	// caller's buffer holdings.
	ErrInsufficientBufferBalance = errors.New("core: insufficient buffer balance")

	// ErrRefundTransfer signals a rejected outbound native transfer. The
	// operation's burn is rolled back before this is returned.
	ErrRefundTransfer = errors.New("core: refund transfer rejected")

	// ErrReentrantCall signals that an outbound transfer attempted to
	// re-enter the engine mid-operation.
	ErrReentrantCall = errors.New("core: reentrant call rejected")
)

// rejectionSentinels are the rejections a caller can act on. Anything
// outside this set is a processing failure and eligible for redelivery.
var rejectionSentinels = []error{
	ErrInvalidAmount,
	ErrDeficit,
	ErrInsufficientBootstrapCollateral,
	ErrBufferPoolNotInitialized,
	ErrNoSurplusToWithdraw,
	ErrInsufficientBufferBalance,
	ErrRefundTransfer,
	ErrReentrantCall,
	ledger.ErrInsufficientBalance,
}

// IsRejection reports whether err is a terminal business rejection as
// opposed to a transient processing failure.
func IsRejection(err error) bool {
	for _, sentinel := range rejectionSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
