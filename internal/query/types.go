package query

import "github.com/google/uuid"

// BalanceResponse represents a projected account balance. Amounts are
// base-10 integer strings in wad base units.
type BalanceResponse struct {
	Account      uuid.UUID `json:"account"`
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OperationHistoryResponse is one operation from the per-account
// history projection. Deltas are from the account's perspective.
type OperationHistoryResponse struct {
	Sequence      int64     `json:"sequence"`
	OperationType string    `json:"operation_type"`
	Account       uuid.UUID `json:"account"`
	NativeDelta   string    `json:"native_delta"`
	StableDelta   string    `json:"stable_delta"`
	BufferDelta   string    `json:"buffer_delta"`
	Timestamp     int64     `json:"timestamp"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// EngineStatusResponse is the system-wide stability picture.
// CollateralizationRatio and the human-unit fields are decimal strings
// derived at query time; everything else comes from projections and the
// operation log.
type EngineStatusResponse struct {
	StableSupply           string `json:"stable_supply"`
	BufferSupply           string `json:"buffer_supply"`
	CollateralBalance      string `json:"collateral_balance"`
	BufferExists           bool   `json:"buffer_exists"`
	PriceWad               string `json:"price_wad,omitempty"`
	PriceSequence          int64  `json:"price_sequence,omitempty"`
	DeficitOrSurplus       string `json:"deficit_or_surplus,omitempty"`
	FeeRatePct             int64  `json:"fee_rate_pct"`
	CollateralizationRatio string `json:"collateralization_ratio,omitempty"`

	// Human-readable decimal figures (18-decimal base units scaled out)
	StableSupplyUnits      string `json:"stable_supply_units"`
	BufferSupplyUnits      string `json:"buffer_supply_units"`
	CollateralBalanceUnits string `json:"collateral_balance_units"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	OperationRef  string `json:"operation_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
