package query

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
	fpmath "PegLedger/internal/math"
)

// wadDecimals is the base-unit scale shared by all three assets.
const wadDecimals = 18

// Collateralization ratio display precision.
const (
	ratioPlaces = 6
	ratioScale  = int64(1_000_000) // 10^ratioPlaces
)

// GetEngineStatus derives the system-wide stability picture from
// projections and the operation log: supplies, collateral, the last
// accepted price, and the surplus and collateralization ratio computed
// from them. The figures lag the engine by the projection watermark.
func (qs *QueryService) GetEngineStatus(ctx context.Context) (*EngineStatusResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	collateral, err := qs.engineBalance(ctx, "engine:collateral:NATIVE", 1)
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}

	// Issuance counter-accounts carry the negation of supply
	stableIssued, err := qs.engineBalance(ctx, "engine:issued:STABLE", 2)
	if err != nil {
		return nil, fmt.Errorf("stable issuance: %w", err)
	}
	stableSupply := new(big.Int).Neg(stableIssued)

	bufferIssued, err := qs.engineBalance(ctx, "engine:issued:BUFFER", 3)
	if err != nil {
		return nil, fmt.Errorf("buffer issuance: %w", err)
	}
	bufferSupply := new(big.Int).Neg(bufferIssued)

	bufferExists, err := qs.bufferPoolExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("buffer pool check: %w", err)
	}

	resp := &EngineStatusResponse{
		StableSupply:           stableSupply.String(),
		BufferSupply:           bufferSupply.String(),
		CollateralBalance:      collateral.String(),
		BufferExists:           bufferExists,
		StableSupplyUnits:      decimal.NewFromBigInt(stableSupply, -wadDecimals).String(),
		BufferSupplyUnits:      decimal.NewFromBigInt(bufferSupply, -wadDecimals).String(),
		CollateralBalanceUnits: decimal.NewFromBigInt(collateral, -wadDecimals).String(),
		AsOfSequence:           asOfSeq,
	}

	// Fees apply only once the buffer pool exists and holds supply
	if bufferExists && bufferSupply.Sign() > 0 {
		resp.FeeRatePct = qs.feeRatePct
	}

	priceWad, priceSeq, err := qs.latestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	if priceWad == nil {
		// No price observed yet: surplus and ratio are undefined
		return resp, nil
	}

	resp.PriceWad = priceWad.String()
	resp.PriceSequence = priceSeq
	resp.DeficitOrSurplus = core.DeficitOrSurplus(collateral, stableSupply, priceWad).String()

	if stableSupply.Sign() > 0 {
		// Collateral value in stable units over stable supply, rendered
		// at six places with banker's rounding. Valuation truncates the
		// same way the engine does; only the displayed ratio half-evens.
		value := fpmath.MulFrac(collateral, priceWad)
		micro := fpmath.MulDiv(value, big.NewInt(ratioScale), stableSupply, fpmath.RoundHalfEven)
		resp.CollateralizationRatio = decimal.NewFromBigInt(micro, -ratioPlaces).String()
	}

	return resp, nil
}

func (qs *QueryService) engineBalance(ctx context.Context, accountPath string, assetID uint16) (*big.Int, error) {
	s, err := qs.getProjectedBalance(ctx, accountPath, assetID)
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("balance for %s is not an integer: %q", accountPath, s)
	}
	return v, nil
}

// bufferPoolExists reports whether any buffer deposit ever committed.
// Rejected deposits never reach the log, so the first logged one is the
// bootstrap that created the pool.
func (qs *QueryService) bufferPoolExists(ctx context.Context) (bool, error) {
	var one int
	err := qs.db.QueryRowContext(ctx, `
		SELECT 1 FROM op_log.operations
		WHERE operation_type = 'DepositBuffer'
		LIMIT 1
	`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// latestPrice reads the most recent accepted price update from the
// operation log. Returns nil when no price has ever been accepted.
func (qs *QueryService) latestPrice(ctx context.Context) (*big.Int, int64, error) {
	var payload []byte
	var sourceSeq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT payload, source_sequence FROM op_log.operations
		WHERE operation_type = 'PriceUpdate'
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&payload, &sourceSeq)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	op, err := event.DecodePayload(event.OpTypePriceUpdate, payload)
	if err != nil {
		return nil, 0, err
	}
	pu, ok := op.(*event.PriceUpdate)
	if !ok {
		return nil, 0, fmt.Errorf("decoded payload is %T, not a price update", op)
	}

	return pu.PriceWad, sourceSeq, nil
}
