package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
)

// Submitter is the slice of the engine the admin surface needs. The
// HTTP gateway and tests satisfy it with the real engine or a fake.
type Submitter interface {
	Submit(ctx context.Context, op event.Operation) (core.OperationResult, error)
}

// AdminSubmitter provides manual operation injection for the HTTP admin
// surface. It is for operator intervention and testing, not for
// high-throughput ingestion (use NATS for that). Admin-injected
// operations use the submission wall-clock in microseconds as their
// source sequence, which keeps them ordered after anything already
// ingested from upstream.
type AdminSubmitter struct {
	engine Submitter
}

func NewAdminSubmitter(engine Submitter) *AdminSubmitter {
	return &AdminSubmitter{engine: engine}
}

// MintStable injects a stable-unit mint backed by attached native collateral.
func (s *AdminSubmitter) MintStable(
	ctx context.Context,
	account uuid.UUID,
	attachedNative *big.Int,
) (core.OperationResult, error) {
	if err := requirePositive(attachedNative, "attached_native"); err != nil {
		return core.OperationResult{}, err
	}

	now := time.Now()
	return s.engine.Submit(ctx, &event.MintStable{
		OperationID:    uuid.New(),
		Account:        account,
		AttachedNative: attachedNative,
		Sequence:       now.UnixMicro(),
		Timestamp:      now,
	})
}

// BurnStable injects a stable-unit burn redeeming native collateral.
func (s *AdminSubmitter) BurnStable(
	ctx context.Context,
	account uuid.UUID,
	burnAmount *big.Int,
) (core.OperationResult, error) {
	if err := requirePositive(burnAmount, "burn_amount"); err != nil {
		return core.OperationResult{}, err
	}

	now := time.Now()
	return s.engine.Submit(ctx, &event.BurnStable{
		OperationID: uuid.New(),
		Account:     account,
		BurnAmount:  burnAmount,
		Sequence:    now.UnixMicro(),
		Timestamp:   now,
	})
}

// DepositBuffer injects a buffer-pool deposit of native collateral.
func (s *AdminSubmitter) DepositBuffer(
	ctx context.Context,
	account uuid.UUID,
	attachedNative *big.Int,
) (core.OperationResult, error) {
	if err := requirePositive(attachedNative, "attached_native"); err != nil {
		return core.OperationResult{}, err
	}

	now := time.Now()
	return s.engine.Submit(ctx, &event.DepositBuffer{
		OperationID:    uuid.New(),
		Account:        account,
		AttachedNative: attachedNative,
		Sequence:       now.UnixMicro(),
		Timestamp:      now,
	})
}

// WithdrawBuffer injects a buffer-unit burn paying out surplus collateral.
func (s *AdminSubmitter) WithdrawBuffer(
	ctx context.Context,
	account uuid.UUID,
	burnAmount *big.Int,
) (core.OperationResult, error) {
	if err := requirePositive(burnAmount, "burn_amount"); err != nil {
		return core.OperationResult{}, err
	}

	now := time.Now()
	return s.engine.Submit(ctx, &event.WithdrawBuffer{
		OperationID: uuid.New(),
		Account:     account,
		BurnAmount:  burnAmount,
		Sequence:    now.UnixMicro(),
		Timestamp:   now,
	})
}

// PriceUpdate injects a wad-scaled native/stable exchange rate.
func (s *AdminSubmitter) PriceUpdate(
	ctx context.Context,
	priceWad *big.Int,
) (core.OperationResult, error) {
	if err := requirePositive(priceWad, "price_wad"); err != nil {
		return core.OperationResult{}, err
	}

	now := time.Now()
	return s.engine.Submit(ctx, &event.PriceUpdate{
		PriceWad:  priceWad,
		Sequence:  now.UnixMicro(),
		Timestamp: now,
	})
}

func requirePositive(v *big.Int, field string) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", core.ErrInvalidAmount, field)
	}
	return nil
}
