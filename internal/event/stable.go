package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// MintStable attaches native collateral and mints stable units at the
// current price, minus the entry fee.
type MintStable struct {
	OperationID    uuid.UUID
	Account        uuid.UUID
	AttachedNative *big.Int
	Sequence       int64
	Timestamp      time.Time
}

func (m *MintStable) IdempotencyKey() string {
	return fmt.Sprintf("mint_stable:%s", m.OperationID.String())
}

func (m *MintStable) OperationType() OperationType {
	return OpTypeMintStable
}

func (m *MintStable) AccountID() *uuid.UUID {
	id := m.Account
	return &id
}

func (m *MintStable) SourceSequence() int64 {
	return m.Sequence
}

// BurnStable burns stable units held by the account and refunds native
// collateral at the current price, minus the exit fee.
type BurnStable struct {
	OperationID uuid.UUID
	Account     uuid.UUID
	BurnAmount  *big.Int
	Sequence    int64
	Timestamp   time.Time
}

func (b *BurnStable) IdempotencyKey() string {
	return fmt.Sprintf("burn_stable:%s", b.OperationID.String())
}

func (b *BurnStable) OperationType() OperationType {
	return OpTypeBurnStable
}

func (b *BurnStable) AccountID() *uuid.UUID {
	id := b.Account
	return &id
}

func (b *BurnStable) SourceSequence() int64 {
	return b.Sequence
}
