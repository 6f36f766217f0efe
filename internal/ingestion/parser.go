package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PegLedger/internal/event"
)

// ParseRawOperation converts a RawOperation (JSON bytes + operation type
// string) into a typed event.Operation. The ingestion shell validates and
// converts before anything reaches the serialized engine; a parse error here
// terminates the delivery rather than redelivering garbage.
func ParseRawOperation(raw RawOperation, opType string) (event.Operation, error) {
	switch opType {
	case "MintStable":
		return parseMintStable(raw.Data)
	case "BurnStable":
		return parseBurnStable(raw.Data)
	case "DepositBuffer":
		return parseDepositBuffer(raw.Data)
	case "WithdrawBuffer":
		return parseWithdrawBuffer(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel as
// base-10 integer strings: wad base units exceed int64 range.

type attachedOpJSON struct {
	OperationID    string `json:"operation_id"`
	AccountID      string `json:"account_id"`
	AttachedNative string `json:"attached_native"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

type burnOpJSON struct {
	OperationID string `json:"operation_id"`
	AccountID   string `json:"account_id"`
	BurnAmount  string `json:"burn_amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type priceUpdateJSON struct {
	PriceWad    string `json:"price_wad"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMintStable(data []byte) (*event.MintStable, error) {
	var j attachedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintStable: %w", err)
	}

	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	attached, err := parseAmount(j.AttachedNative, "attached_native")
	if err != nil {
		return nil, err
	}

	return &event.MintStable{
		OperationID:    opID,
		Account:        account,
		AttachedNative: attached,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseBurnStable(data []byte) (*event.BurnStable, error) {
	var j burnOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BurnStable: %w", err)
	}

	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	burn, err := parseAmount(j.BurnAmount, "burn_amount")
	if err != nil {
		return nil, err
	}

	return &event.BurnStable{
		OperationID: opID,
		Account:     account,
		BurnAmount:  burn,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseDepositBuffer(data []byte) (*event.DepositBuffer, error) {
	var j attachedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositBuffer: %w", err)
	}

	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	attached, err := parseAmount(j.AttachedNative, "attached_native")
	if err != nil {
		return nil, err
	}

	return &event.DepositBuffer{
		OperationID:    opID,
		Account:        account,
		AttachedNative: attached,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawBuffer(data []byte) (*event.WithdrawBuffer, error) {
	var j burnOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawBuffer: %w", err)
	}

	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	burn, err := parseAmount(j.BurnAmount, "burn_amount")
	if err != nil {
		return nil, err
	}

	return &event.WithdrawBuffer{
		OperationID: opID,
		Account:     account,
		BurnAmount:  burn,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	priceWad, err := parseAmount(j.PriceWad, "price_wad")
	if err != nil {
		return nil, err
	}

	return &event.PriceUpdate{
		PriceWad:  priceWad,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// parseAmount decodes a base-10 integer string into a big.Int. Sign and
// range policy (positive, non-zero) belongs to the engine; the parser only
// rejects strings that are not integers at all.
func parseAmount(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty amount", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q is not a base-10 integer", field, s)
	}
	return v, nil
}
