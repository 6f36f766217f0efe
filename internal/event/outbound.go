package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Outbound is a notification the engine emits for downstream consumers.
// Outbound events are not part of the operation log.
type Outbound interface {
	EventName() string
}

// BufferUnitMinted is published when a buffer deposit lands on the
// surplus branch. BufferPriceWad is the supply/surplus ratio the mint
// was priced at, wad-scaled.
type BufferUnitMinted struct {
	Sequence       int64     `json:"sequence"`
	Account        uuid.UUID `json:"account"`
	AttachedNative *big.Int  `json:"attached_native"`
	MintedBuffer   *big.Int  `json:"minted_buffer"`
	BufferPriceWad *big.Int  `json:"buffer_price_wad"`
	Timestamp      time.Time `json:"timestamp"`
}

func (b *BufferUnitMinted) EventName() string {
	return "buffer_unit_minted"
}

// OperationApplied is published after any operation commits.
type OperationApplied struct {
	Sequence       int64      `json:"sequence"`
	OperationType  string     `json:"operation_type"`
	IdempotencyKey string     `json:"idempotency_key"`
	Account        *uuid.UUID `json:"account,omitempty"`
	StateHash      string     `json:"state_hash"`
	Timestamp      time.Time  `json:"timestamp"`
}

func (o *OperationApplied) EventName() string {
	return "operation_applied"
}
