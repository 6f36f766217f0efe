package projection

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
)

// OperationHistoryEntry is one row of the per-account operation history
// projection. Deltas are from the acting account's perspective: native
// is the wallet movement (negative when collateral was attached),
// stable and buffer are holdings movements.
type OperationHistoryEntry struct {
	Sequence      int64
	OperationType string
	AccountID     *string
	NativeDelta   string
	StableDelta   string
	BufferDelta   string
	Timestamp     int64
}

// DeriveHistoryEntry computes the acting account's per-asset deltas
// from the operation's journal entries. Operations without an account
// (price updates) produce zero deltas and a NULL account.
func DeriveHistoryEntry(output ProjectionOutput) OperationHistoryEntry {
	native := new(big.Int)
	stable := new(big.Int)
	buffer := new(big.Int)

	if output.AccountID != nil {
		prefix := "user:" + *output.AccountID + ":"
		for _, j := range output.JournalEntries {
			amount, ok := new(big.Int).SetString(j.Amount, 10)
			if !ok {
				continue
			}

			var delta *big.Int
			switch j.AssetID {
			case 1:
				delta = native
			case 2:
				delta = stable
			case 3:
				delta = buffer
			default:
				continue
			}

			if strings.HasPrefix(j.DebitAccount, prefix) {
				delta.Add(delta, amount)
			}
			if strings.HasPrefix(j.CreditAccount, prefix) {
				delta.Sub(delta, amount)
			}
		}
	}

	return OperationHistoryEntry{
		Sequence:      output.Sequence,
		OperationType: output.OperationType,
		AccountID:     output.AccountID,
		NativeDelta:   native.String(),
		StableDelta:   stable.String(),
		BufferDelta:   buffer.String(),
		Timestamp:     output.Timestamp,
	}
}

func insertHistoryEntry(ctx context.Context, tx *sql.Tx, e OperationHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.operations
			(sequence, operation_type, account_id, native_delta, stable_delta, buffer_delta, timestamp)
		VALUES ($1, $2, $3::UUID, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, e.OperationType, e.AccountID, e.NativeDelta, e.StableDelta, e.BufferDelta, e.Timestamp)
	return err
}
