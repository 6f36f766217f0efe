package event

import (
	"time"

	"github.com/google/uuid"
)

// OperationType discriminator for operation payloads
type OperationType int32

const (
	OpTypeUnknown OperationType = iota
	OpTypeMintStable
	OpTypeBurnStable
	OpTypeDepositBuffer
	OpTypeWithdrawBuffer
	OpTypePriceUpdate
)

// OperationEnvelope wraps every committed operation in the log
type OperationEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OperationType OperationType

	// Acting account (nil for price updates)
	AccountID *uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Operation is the interface all operation payloads must implement
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OperationType returns the discriminator
	OperationType() OperationType

	// AccountID returns the acting account (nil for price updates)
	AccountID() *uuid.UUID

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

// OperationTypeFromString reverses String. Rows in the operation log
// store the type by name.
func OperationTypeFromString(s string) (OperationType, bool) {
	switch s {
	case "MintStable":
		return OpTypeMintStable, true
	case "BurnStable":
		return OpTypeBurnStable, true
	case "DepositBuffer":
		return OpTypeDepositBuffer, true
	case "WithdrawBuffer":
		return OpTypeWithdrawBuffer, true
	case "PriceUpdate":
		return OpTypePriceUpdate, true
	default:
		return OpTypeUnknown, false
	}
}

func (ot OperationType) String() string {
	switch ot {
	case OpTypeMintStable:
		return "MintStable"
	case OpTypeBurnStable:
		return "BurnStable"
	case OpTypeDepositBuffer:
		return "DepositBuffer"
	case OpTypeWithdrawBuffer:
		return "WithdrawBuffer"
	case OpTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}
