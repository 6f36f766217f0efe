package ledger

import (
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from applied operations.
// Amounts arrive already decided by the engine; the generator's job is to
// express them as double-entry movements. Zero-amount legs (truncation can
// produce them) are omitted rather than recorded.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Sequence returns the next sequence the generator will stamp.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence repositions the generator, used when restoring from a snapshot.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(opRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:      uuid.New(),
		OperationRef: opRef,
		Sequence:     jg.sequence,
		Timestamp:    timestamp,
		Journals:     make([]Journal, 0, 2),
	}
}

func (jg *JournalGenerator) appendJournal(
	b *Batch,
	debit, credit AccountKey,
	assetID AssetID,
	amount *big.Int,
	jt JournalType,
) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		OperationRef:  b.OperationRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateMintStable records a stable mint: the attached native value moves
// from the caller's wallet into engine collateral, and the minted stable
// units appear in the caller's holdings against the issuance account.
func (jg *JournalGenerator) GenerateMintStable(
	opRef string,
	account uuid.UUID,
	attachedNative, minted *big.Int,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp)

	jg.appendJournal(batch,
		NewEngineAccountKey(SubTypeEngineCollateral, AssetNative),
		NewUserAccountKey(account, SubTypeWallet, AssetNative),
		AssetNative, attachedNative, JournalTypeCollateralDeposit)

	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeHoldings, AssetStable),
		NewEngineAccountKey(SubTypeEngineIssued, AssetStable),
		AssetStable, minted, JournalTypeStableMint)

	jg.sequence++
	return batch
}

// GenerateBurnStable records a stable burn with its native refund.
func (jg *JournalGenerator) GenerateBurnStable(
	opRef string,
	account uuid.UUID,
	burned, refundNative *big.Int,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp)

	jg.appendJournal(batch,
		NewEngineAccountKey(SubTypeEngineIssued, AssetStable),
		NewUserAccountKey(account, SubTypeHoldings, AssetStable),
		AssetStable, burned, JournalTypeStableBurn)

	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeWallet, AssetNative),
		NewEngineAccountKey(SubTypeEngineCollateral, AssetNative),
		AssetNative, refundNative, JournalTypeCollateralRefund)

	jg.sequence++
	return batch
}

// GenerateDepositBuffer records a buffer deposit: attached native value in,
// buffer units out.
func (jg *JournalGenerator) GenerateDepositBuffer(
	opRef string,
	account uuid.UUID,
	attachedNative, minted *big.Int,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp)

	jg.appendJournal(batch,
		NewEngineAccountKey(SubTypeEngineCollateral, AssetNative),
		NewUserAccountKey(account, SubTypeWallet, AssetNative),
		AssetNative, attachedNative, JournalTypeCollateralDeposit)

	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeHoldings, AssetBuffer),
		NewEngineAccountKey(SubTypeEngineIssued, AssetBuffer),
		AssetBuffer, minted, JournalTypeBufferMint)

	jg.sequence++
	return batch
}

// GenerateWithdrawBuffer records a buffer withdrawal with its native refund.
func (jg *JournalGenerator) GenerateWithdrawBuffer(
	opRef string,
	account uuid.UUID,
	burned, refundNative *big.Int,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp)

	jg.appendJournal(batch,
		NewEngineAccountKey(SubTypeEngineIssued, AssetBuffer),
		NewUserAccountKey(account, SubTypeHoldings, AssetBuffer),
		AssetBuffer, burned, JournalTypeBufferBurn)

	jg.appendJournal(batch,
		NewUserAccountKey(account, SubTypeWallet, AssetNative),
		NewEngineAccountKey(SubTypeEngineCollateral, AssetNative),
		AssetNative, refundNative, JournalTypeCollateralRefund)

	jg.sequence++
	return batch
}
