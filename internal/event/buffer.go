package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// DepositBuffer attaches native collateral to the buffer pool. The first
// deposit that clears any system deficit creates the pool; later deposits
// buy in pro rata against the current surplus.
type DepositBuffer struct {
	OperationID    uuid.UUID
	Account        uuid.UUID
	AttachedNative *big.Int
	Sequence       int64
	Timestamp      time.Time
}

func (d *DepositBuffer) IdempotencyKey() string {
	return fmt.Sprintf("deposit_buffer:%s", d.OperationID.String())
}

func (d *DepositBuffer) OperationType() OperationType {
	return OpTypeDepositBuffer
}

func (d *DepositBuffer) AccountID() *uuid.UUID {
	id := d.Account
	return &id
}

func (d *DepositBuffer) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawBuffer burns buffer units and pays out the holder's share of
// the system surplus in native collateral.
type WithdrawBuffer struct {
	OperationID uuid.UUID
	Account     uuid.UUID
	BurnAmount  *big.Int
	Sequence    int64
	Timestamp   time.Time
}

func (w *WithdrawBuffer) IdempotencyKey() string {
	return fmt.Sprintf("withdraw_buffer:%s", w.OperationID.String())
}

func (w *WithdrawBuffer) OperationType() OperationType {
	return OpTypeWithdrawBuffer
}

func (w *WithdrawBuffer) AccountID() *uuid.UUID {
	id := w.Account
	return &id
}

func (w *WithdrawBuffer) SourceSequence() int64 {
	return w.Sequence
}
