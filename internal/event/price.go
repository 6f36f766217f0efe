package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// PriceUpdate refreshes the cached native/stable exchange rate. PriceWad
// is wad-scaled: stable units per native unit times 1e18.
type PriceUpdate struct {
	PriceWad  *big.Int
	Sequence  int64
	Timestamp time.Time
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%d", p.Sequence)
}

func (p *PriceUpdate) OperationType() OperationType {
	return OpTypePriceUpdate
}

// AccountID returns nil; price updates act on no account.
func (p *PriceUpdate) AccountID() *uuid.UUID {
	return nil
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.Sequence
}
