package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"PegLedger/internal/ledger"
)

// QueryService provides read-only access to projection tables and the
// operation log. Queries are served over HTTP/JSON, reading from
// PostgreSQL rather than the engine's in-memory state, so heavy read
// traffic never contends with the serialized write path. All responses
// include as_of_sequence for freshness semantics.
type QueryService struct {
	db         *sql.DB
	feeRatePct int64
}

func NewQueryService(db *sql.DB, feeRatePct int64) *QueryService {
	return &QueryService{db: db, feeRatePct: feeRatePct}
}

// GetBalance returns an account's projected balance for one asset.
// NATIVE reads the wallet account (net native flow, negative when the
// account has paid in more than it was refunded); STABLE and BUFFER
// read token holdings.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	account uuid.UUID,
	asset string,
) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var key ledger.AccountKey
	if assetID == ledger.AssetNative {
		key = ledger.NewUserAccountKey(account, ledger.SubTypeWallet, assetID)
	} else {
		key = ledger.NewUserAccountKey(account, ledger.SubTypeHoldings, assetID)
	}

	balance, err := qs.getProjectedBalance(ctx, key.AccountPath(), uint16(assetID))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetOperationHistory returns an account's operations, newest first,
// with cursor-based pagination. beforeSequence narrows the page to
// operations older than the cursor.
func (qs *QueryService) GetOperationHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]OperationHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, operation_type, native_delta, stable_delta, buffer_delta, timestamp
		FROM projections.operations
		WHERE account_id = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []OperationHistoryResponse
	for rows.Next() {
		var h OperationHistoryResponse
		h.Account = account
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Sequence, &h.OperationType, &h.NativeDelta, &h.StableDelta,
			&h.BufferDelta, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns raw journal entries touching an account,
// with pagination. This is the audit-level view underneath the
// operation history.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, operation_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM op_log.journal
		WHERE debit_account LIKE $1 OR credit_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.OperationRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the operation log and
// the zero-sum invariant across projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		LEFT JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.sequence > 0 AND o1.prev_hash != COALESCE(o2.state_hash, o1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Global balance should sum to zero per asset across all accounts
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total string
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string, assetID uint16) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, assetID).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}
