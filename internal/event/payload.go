package event

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes an operation for envelope storage.
func EncodePayload(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op.OperationType(), err)
	}
	return data, nil
}

// DecodePayload reverses EncodePayload using the envelope's type
// discriminator. Used on replay.
func DecodePayload(opType OperationType, data []byte) (Operation, error) {
	var op Operation

	switch opType {
	case OpTypeMintStable:
		op = &MintStable{}
	case OpTypeBurnStable:
		op = &BurnStable{}
	case OpTypeDepositBuffer:
		op = &DepositBuffer{}
	case OpTypeWithdrawBuffer:
		op = &WithdrawBuffer{}
	case OpTypePriceUpdate:
		op = &PriceUpdate{}
	default:
		return nil, fmt.Errorf("decode payload: unknown operation type %d", opType)
	}

	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", opType, err)
	}

	return op, nil
}
