package core

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/observability"
	"PegLedger/internal/oracle"
	"PegLedger/internal/state"

	"github.com/google/uuid"
)

const requestBuffer = 1024

// StabilityEngine is the single-threaded operation processor. It owns
// the stable and buffer ledgers, the collateral vault, and the cached
// price, and commits every accepted operation through the journal
// pipeline. All state access happens on the Run goroutine; the applying
// flag only defends against an outbound native transfer calling back
// into the engine mid-operation.
type StabilityEngine struct {
	sequence int64
	hasher   *StateHasher

	stable *ledger.FungibleLedger
	buffer *ledger.FungibleLedger // nil until the first bootstrap deposit
	vault  *state.CollateralVault
	feed   *oracle.CachedFeed

	feePolicy  *FeePolicy
	transferor state.NativeTransferor

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	requests       chan Request
	snapshots      chan snapshotRequest
	runDone        chan struct{}

	applying  bool
	replaying bool
}

func NewStabilityEngine(
	startSequence int64,
	feePolicy *FeePolicy,
	feed *oracle.CachedFeed,
	transferor state.NativeTransferor,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *StabilityEngine {
	balanceTracker := ledger.NewBalanceTracker()

	return &StabilityEngine{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		stable:            ledger.NewFungibleLedger(ledger.AssetStable),
		vault:             state.NewCollateralVault(transferor),
		feed:              feed,
		feePolicy:         feePolicy,
		transferor:        transferor,
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(startSequence),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
		requests:          make(chan Request, requestBuffer),
		snapshots:         make(chan snapshotRequest),
		runDone:           make(chan struct{}),
	}
}

// ProcessOperation runs the full pipeline for one operation:
// idempotency check, sequence validation, dispatch, batch application,
// state hashing, and output emission.
func (e *StabilityEngine) ProcessOperation(op event.Operation) OperationResult {
	if e.applying {
		return OperationResult{Err: ErrReentrantCall}
	}
	e.applying = true
	defer func() { e.applying = false }()

	start := time.Now()

	if price, ok := op.(*event.PriceUpdate); ok {
		return e.processPriceUpdate(price, start)
	}
	return e.processAccountOp(op, start)
}

func (e *StabilityEngine) processAccountOp(op event.Operation, start time.Time) OperationResult {
	opType := op.OperationType().String()
	key := op.IdempotencyKey()

	// Replay skips the duplicate lookup: the DB tier would flag every
	// logged key, and the log carries each operation exactly once.
	isDuplicate := false
	if !e.replaying {
		isDuplicate = e.idempotency.IsDuplicate(opType, key)
	}

	if err := e.sequenceValidator.ValidateSequence(PartitionOperations, op.SourceSequence(), isDuplicate); err != nil {
		e.countOp(opType, "failed")
		return OperationResult{Err: fmt.Errorf("sequence validation failed: %w", err)}
	}

	if isDuplicate {
		e.countOp(opType, "duplicate")
		return OperationResult{Duplicate: true, StateHash: e.hasher.GetPrevHash()}
	}

	payload, err := event.EncodePayload(op)
	if err != nil {
		e.countOp(opType, "failed")
		return OperationResult{Err: err}
	}

	batch, outbound, err := e.dispatch(op)
	if err != nil {
		if IsRejection(err) {
			// Terminal outcome: the source sequence is consumed even
			// though nothing was committed.
			e.sequenceValidator.Advance(PartitionOperations, op.SourceSequence())
			e.countOp(opType, "rejected")
		} else {
			e.countOp(opType, "failed")
		}
		return OperationResult{Err: err}
	}

	res := e.commit(op, payload, batch, outbound, opType, start)
	e.sequenceValidator.Advance(PartitionOperations, op.SourceSequence())
	return res
}

func (e *StabilityEngine) processPriceUpdate(op *event.PriceUpdate, start time.Time) OperationResult {
	opType := op.OperationType().String()

	if op.PriceWad == nil || op.PriceWad.Sign() <= 0 {
		e.countOp(opType, "rejected")
		return OperationResult{Err: fmt.Errorf("%w: price must be positive", ErrInvalidAmount)}
	}

	if !e.replaying && e.idempotency.IsDuplicate(opType, op.IdempotencyKey()) {
		e.countOp(opType, "duplicate")
		return OperationResult{Duplicate: true, StateHash: e.hasher.GetPrevHash()}
	}

	if !e.sequenceValidator.ValidatePriceSequence(op.Sequence) {
		// Stale quote — drop silently, the cached price is newer
		e.countOp(opType, "stale")
		return OperationResult{Skipped: true}
	}

	payload, err := event.EncodePayload(op)
	if err != nil {
		e.countOp(opType, "failed")
		return OperationResult{Err: err}
	}

	e.feed.Observe(op.PriceWad, op.Sequence, op.Timestamp)

	// Price updates carry no journals but still commit an envelope so the
	// log replays to the same cached price.
	batch := &ledger.Batch{
		BatchID:      uuid.New(),
		OperationRef: op.IdempotencyKey(),
		Sequence:     e.sequence,
		Timestamp:    op.Timestamp.UnixMicro(),
		Journals:     []ledger.Journal{},
	}

	return e.commit(op, payload, batch, nil, opType, start)
}

// commit applies the batch, extends the hash chain, and emits the
// output. Panics on invariant violations: state is already mutated and
// continuing would persist a corrupt ledger.
func (e *StabilityEngine) commit(
	op event.Operation,
	payload []byte,
	batch *ledger.Batch,
	outbound []event.Outbound,
	opType string,
	start time.Time,
) OperationResult {
	if len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
	}

	if err := e.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	prevHash := e.hasher.GetPrevHash()
	stateDigest := e.computeStateDigest(batch)
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	envelope := &event.OperationEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: op.IdempotencyKey(),
		OperationType:  op.OperationType(),
		AccountID:      op.AccountID(),
		Timestamp:      e.operationTimestamp(op),
		SourceSequence: op.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Outbound:   outbound,
	}

	if !e.replaying {
		// Persistence: blocking send. The engine stalls until the
		// persistence worker drains; no committed operation is lost.
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}

		// Projections: non-blocking send, drop on full. Projection
		// workers rebuild from the operation log when they fall behind.
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}

	committedSeq := e.sequence
	e.sequence++
	e.journalGen.SetSequence(e.sequence)

	e.idempotency.MarkProcessed(opType, op.IdempotencyKey())
	e.recordApplied(opType, start)

	return OperationResult{Sequence: committedSeq, StateHash: stateHash}
}

func (e *StabilityEngine) dispatch(op event.Operation) (*ledger.Batch, []event.Outbound, error) {
	switch o := op.(type) {
	case *event.MintStable:
		return e.handleMintStable(o)
	case *event.BurnStable:
		return e.handleBurnStable(o)
	case *event.DepositBuffer:
		return e.handleDepositBuffer(o)
	case *event.WithdrawBuffer:
		return e.handleWithdrawBuffer(o)
	default:
		return nil, nil, fmt.Errorf("unknown operation type: %T", op)
	}
}

// handleMintStable mints stable units against attached native value.
// Minting is never gated on the deficit: it adds collateral and supply
// in proportion at the current price, so collateralization cannot
// worsen.
func (e *StabilityEngine) handleMintStable(op *event.MintStable) (*ledger.Batch, []event.Outbound, error) {
	if err := validateAmount(op.AttachedNative); err != nil {
		return nil, nil, err
	}
	priceWad, err := e.feed.CurrentPrice()
	if err != nil {
		return nil, nil, fmt.Errorf("mint stable: %w", err)
	}

	fee := e.feePolicy.Fee(op.AttachedNative, e.buffer != nil, e.bufferSupply())
	net := new(big.Int).Sub(op.AttachedNative, fee)
	minted := fpmath.MulFrac(net, priceWad)

	// The full attached value, fee included, stays in the vault as
	// collateral.
	if err := e.vault.Credit(op.AttachedNative); err != nil {
		return nil, nil, fmt.Errorf("mint stable: %w", err)
	}
	if err := e.stable.Mint(op.Account, minted); err != nil {
		panic(fmt.Sprintf("FATAL: stable mint after vault credit: %v", err))
	}

	batch := e.journalGen.GenerateMintStable(
		op.IdempotencyKey(), op.Account, op.AttachedNative, minted, op.Timestamp.UnixMicro())
	return batch, nil, nil
}

// handleBurnStable burns stable units and refunds native value at the
// current price, minus the exit fee. Checks-effects-interactions: the
// burn lands before the outbound transfer, so a reentrant recipient
// observes the decremented balance.
func (e *StabilityEngine) handleBurnStable(op *event.BurnStable) (*ledger.Batch, []event.Outbound, error) {
	if err := validateAmount(op.BurnAmount); err != nil {
		return nil, nil, err
	}
	priceWad, err := e.feed.CurrentPrice()
	if err != nil {
		return nil, nil, fmt.Errorf("burn stable: %w", err)
	}

	ds := DeficitOrSurplus(e.vault.Balance(), e.stable.TotalSupply(), priceWad)
	if ds.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: short %s stable units", ErrDeficit, new(big.Int).Abs(ds))
	}

	if err := e.stable.Burn(op.Account, op.BurnAmount); err != nil {
		return nil, nil, fmt.Errorf("burn stable: %w", err)
	}

	refund := fpmath.DivFrac(op.BurnAmount, priceWad)
	fee := e.feePolicy.Fee(refund, e.buffer != nil, e.bufferSupply())
	netRefund := new(big.Int).Sub(refund, fee)

	if err := e.vault.Transfer(op.Account, netRefund); err != nil {
		if rbErr := e.stable.Mint(op.Account, op.BurnAmount); rbErr != nil {
			panic(fmt.Sprintf("FATAL: burn rollback failed: %v", rbErr))
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrRefundTransfer, err)
	}

	batch := e.journalGen.GenerateBurnStable(
		op.IdempotencyKey(), op.Account, op.BurnAmount, netRefund, op.Timestamp.UnixMicro())
	return batch, nil, nil
}

// handleDepositBuffer routes a buffer deposit to the bootstrap branch
// (system in deficit or exactly balanced) or the surplus branch. The
// deficit figure uses the vault balance before the attached value is
// credited.
func (e *StabilityEngine) handleDepositBuffer(op *event.DepositBuffer) (*ledger.Batch, []event.Outbound, error) {
	if err := validateAmount(op.AttachedNative); err != nil {
		return nil, nil, err
	}
	priceWad, err := e.feed.CurrentPrice()
	if err != nil {
		return nil, nil, fmt.Errorf("deposit buffer: %w", err)
	}

	ds := DeficitOrSurplus(e.vault.Balance(), e.stable.TotalSupply(), priceWad)

	if ds.Sign() <= 0 {
		return e.depositBufferBootstrap(op, priceWad, ds)
	}
	return e.depositBufferSurplus(op, priceWad, ds)
}

// depositBufferBootstrap requires the deposit to clear the whole
// deficit plus an initial surplus of InitialCollateralRatioPct of the
// stable supply. Buffer units seed 1:1 with the surplus value, fixing
// the initial unit price at one stable unit.
func (e *StabilityEngine) depositBufferBootstrap(
	op *event.DepositBuffer,
	priceWad, ds *big.Int,
) (*ledger.Batch, []event.Outbound, error) {
	deficitNative := fpmath.DivFrac(new(big.Int).Abs(ds), priceWad)
	requiredStable := fpmath.PercentOf(e.stable.TotalSupply(), InitialCollateralRatioPct)
	requiredNative := fpmath.DivFrac(requiredStable, priceWad)
	minDeposit := new(big.Int).Add(deficitNative, requiredNative)

	if op.AttachedNative.Cmp(minDeposit) < 0 {
		return nil, nil, fmt.Errorf("%w: minimum %s native units, offered %s",
			ErrInsufficientBootstrapCollateral, minDeposit, op.AttachedNative)
	}

	surplusNative := new(big.Int).Sub(op.AttachedNative, deficitNative)
	mintAmount := fpmath.MulFrac(surplusNative, priceWad)

	if err := e.vault.Credit(op.AttachedNative); err != nil {
		return nil, nil, fmt.Errorf("deposit buffer: %w", err)
	}
	if e.buffer == nil {
		// Created exactly once for the engine's lifetime
		e.buffer = ledger.NewFungibleLedger(ledger.AssetBuffer)
	}
	if err := e.buffer.Mint(op.Account, mintAmount); err != nil {
		panic(fmt.Sprintf("FATAL: buffer mint after vault credit: %v", err))
	}

	batch := e.journalGen.GenerateDepositBuffer(
		op.IdempotencyKey(), op.Account, op.AttachedNative, mintAmount, op.Timestamp.UnixMicro())
	return batch, nil, nil
}

// depositBufferSurplus prices the deposit pro rata against the current
// surplus: the attached value's worth in stable units times the
// supply/surplus ratio.
func (e *StabilityEngine) depositBufferSurplus(
	op *event.DepositBuffer,
	priceWad, ds *big.Int,
) (*ledger.Batch, []event.Outbound, error) {
	if e.buffer == nil {
		return nil, nil, fmt.Errorf("%w: surplus of %s stable units has no pool",
			ErrBufferPoolNotInitialized, ds)
	}

	bufferWad := fpmath.FromRatio(e.buffer.TotalSupply(), ds)
	mintAmount := fpmath.MulFrac(fpmath.MulFrac(op.AttachedNative, priceWad), bufferWad)

	if err := e.vault.Credit(op.AttachedNative); err != nil {
		return nil, nil, fmt.Errorf("deposit buffer: %w", err)
	}
	if err := e.buffer.Mint(op.Account, mintAmount); err != nil {
		panic(fmt.Sprintf("FATAL: buffer mint after vault credit: %v", err))
	}

	batch := e.journalGen.GenerateDepositBuffer(
		op.IdempotencyKey(), op.Account, op.AttachedNative, mintAmount, op.Timestamp.UnixMicro())

	notification := &event.BufferUnitMinted{
		Sequence:       e.sequence,
		Account:        op.Account,
		AttachedNative: new(big.Int).Set(op.AttachedNative),
		MintedBuffer:   new(big.Int).Set(mintAmount),
		BufferPriceWad: bufferWad,
		Timestamp:      op.Timestamp,
	}
	return batch, []event.Outbound{notification}, nil
}

// handleWithdrawBuffer burns buffer units and refunds the caller's
// share of the surplus. Pricing uses the supply before the burn;
// deducting the burn first would shrink every refund and zero out a
// full withdrawal.
func (e *StabilityEngine) handleWithdrawBuffer(op *event.WithdrawBuffer) (*ledger.Batch, []event.Outbound, error) {
	if err := validateAmount(op.BurnAmount); err != nil {
		return nil, nil, err
	}
	priceWad, err := e.feed.CurrentPrice()
	if err != nil {
		return nil, nil, fmt.Errorf("withdraw buffer: %w", err)
	}

	if e.buffer == nil {
		return nil, nil, fmt.Errorf("%w: nothing to withdraw", ErrBufferPoolNotInitialized)
	}

	balance := e.buffer.BalanceOf(op.Account)
	if balance.Cmp(op.BurnAmount) < 0 {
		return nil, nil, fmt.Errorf("%w: balance %s, requested %s",
			ErrInsufficientBufferBalance, balance, op.BurnAmount)
	}

	preSupply := e.buffer.TotalSupply()
	if err := e.buffer.Burn(op.Account, op.BurnAmount); err != nil {
		return nil, nil, fmt.Errorf("withdraw buffer: %w", err)
	}

	ds := DeficitOrSurplus(e.vault.Balance(), e.stable.TotalSupply(), priceWad)
	if ds.Sign() <= 0 {
		if rbErr := e.buffer.Mint(op.Account, op.BurnAmount); rbErr != nil {
			panic(fmt.Sprintf("FATAL: withdraw rollback failed: %v", rbErr))
		}
		return nil, nil, fmt.Errorf("%w: deficit/surplus is %s", ErrNoSurplusToWithdraw, ds)
	}

	bufferWad := fpmath.FromRatio(preSupply, ds)
	refundStable := fpmath.MulFrac(op.BurnAmount, bufferWad)
	refundNative := fpmath.DivFrac(refundStable, priceWad)

	if err := e.vault.Transfer(op.Account, refundNative); err != nil {
		if rbErr := e.buffer.Mint(op.Account, op.BurnAmount); rbErr != nil {
			panic(fmt.Sprintf("FATAL: withdraw rollback failed: %v", rbErr))
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrRefundTransfer, err)
	}

	batch := e.journalGen.GenerateWithdrawBuffer(
		op.IdempotencyKey(), op.Account, op.BurnAmount, refundNative, op.Timestamp.UnixMicro())
	return batch, nil, nil
}

func validateAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// operationTimestamp extracts the versioned input timestamp. The engine
// never reads the wall clock: identical inputs must replay to identical
// state.
func (e *StabilityEngine) operationTimestamp(op event.Operation) time.Time {
	switch o := op.(type) {
	case *event.MintStable:
		return o.Timestamp
	case *event.BurnStable:
		return o.Timestamp
	case *event.DepositBuffer:
		return o.Timestamp
	case *event.WithdrawBuffer:
		return o.Timestamp
	case *event.PriceUpdate:
		return o.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: operationTimestamp called with unhandled type %T", op))
	}
}

// computeStateDigest builds canonical bytes over the accounts the batch
// touched plus the engine-wide scalars every operation can move.
func (e *StabilityEngine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendBigInt(digest, e.balanceTracker.GetBalance(key))
	}

	digest = appendBigInt(digest, e.stable.TotalSupply())
	if e.buffer != nil {
		digest = append(digest, 1)
		digest = appendBigInt(digest, e.buffer.TotalSupply())
	} else {
		digest = append(digest, 0)
	}
	digest = appendBigInt(digest, e.vault.Balance())

	if priceWad, err := e.feed.CurrentPrice(); err == nil {
		digest = appendBigInt(digest, priceWad)
	} else {
		digest = appendBigInt(digest, new(big.Int))
	}
	digest = appendInt64LE(digest, e.feed.Sequence())

	return digest
}

// appendBigInt encodes sign byte, magnitude length, then magnitude
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v.Sign() < 0 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	mag := v.Bytes()
	buf = append(buf, byte(len(mag)))
	return append(buf, mag...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants reconciles the double-entry view against the
// primary state after every commit.
func (e *StabilityEngine) postCheckInvariants() error {
	if err := e.validator.ValidateIssuedMatchesSupply(e.stable); err != nil {
		return fmt.Errorf("post-check stable issuance: %w", err)
	}
	if e.buffer != nil {
		if err := e.validator.ValidateIssuedMatchesSupply(e.buffer); err != nil {
			return fmt.Errorf("post-check buffer issuance: %w", err)
		}
	}
	if err := e.validator.ValidateCollateralMatches(e.vault.Balance()); err != nil {
		return fmt.Errorf("post-check collateral: %w", err)
	}

	// Periodic global zero-sum check
	if e.sequence > 0 && e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance: %w", err)
		}
	}

	return nil
}

// --- Metrics ---

func (e *StabilityEngine) countOp(opType, status string) {
	if e.metrics != nil {
		e.metrics.OperationsProcessed.WithLabelValues(opType, status).Inc()
	}
}

func (e *StabilityEngine) recordApplied(opType string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OperationsProcessed.WithLabelValues(opType, "applied").Inc()
	e.metrics.OperationDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	e.metrics.EngineSequence.Set(float64(e.sequence))
	e.metrics.StableSupply.Set(wadToFloat(e.stable.TotalSupply()))
	e.metrics.BufferSupply.Set(wadToFloat(e.bufferSupply()))
	e.metrics.CollateralBalance.Set(wadToFloat(e.vault.Balance()))
	if priceWad, err := e.feed.CurrentPrice(); err == nil {
		e.metrics.NativePrice.Set(wadToFloat(priceWad))
	}
	e.metrics.DedupLRUSize.Set(float64(e.idempotency.LRUSize()))
}

// wadToFloat approximates a 1e18-scaled amount for gauges
func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(v),
		new(big.Float).SetInt(fpmath.WadScale()),
	).Float64()
	return f
}

func (e *StabilityEngine) bufferSupply() *big.Int {
	if e.buffer == nil {
		return nil
	}
	return e.buffer.TotalSupply()
}

// --- Read-only queries ---
// Like everything else on the engine these must run on the Run
// goroutine; concurrent readers go through the query service instead.

func (e *StabilityEngine) StableSupply() *big.Int {
	return e.stable.TotalSupply()
}

func (e *StabilityEngine) BufferSupply() *big.Int {
	if e.buffer == nil {
		return new(big.Int)
	}
	return e.buffer.TotalSupply()
}

func (e *StabilityEngine) BufferExists() bool {
	return e.buffer != nil
}

func (e *StabilityEngine) StableBalanceOf(account uuid.UUID) *big.Int {
	return e.stable.BalanceOf(account)
}

func (e *StabilityEngine) BufferBalanceOf(account uuid.UUID) *big.Int {
	if e.buffer == nil {
		return new(big.Int)
	}
	return e.buffer.BalanceOf(account)
}

func (e *StabilityEngine) CollateralBalance() *big.Int {
	return e.vault.Balance()
}

func (e *StabilityEngine) FeeRatePct() int64 {
	return e.feePolicy.RatePct()
}

func (e *StabilityEngine) CurrentPrice() (*big.Int, error) {
	return e.feed.CurrentPrice()
}

// GetSequence returns the next sequence the engine will assign.
func (e *StabilityEngine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *StabilityEngine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// --- Snapshot & Replay ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	StableBalances  map[uuid.UUID]*big.Int
	BufferExists    bool
	BufferBalances  map[uuid.UUID]*big.Int
	Collateral      *big.Int
	PriceWad        *big.Int
	PriceSequence   int64
	PriceObservedAt time.Time
	TrackerBalances map[ledger.AccountKey]*big.Int
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for
// persistence. Sequence is the last committed sequence.
func (e *StabilityEngine) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		StableBalances:  e.stable.Snapshot(),
		BufferExists:    e.buffer != nil,
		Collateral:      e.vault.Balance(),
		PriceSequence:   e.feed.Sequence(),
		PriceObservedAt: e.feed.ObservedAt(),
		TrackerBalances: e.balanceTracker.Snapshot(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
	if e.buffer != nil {
		snap.BufferBalances = e.buffer.Snapshot()
	}
	if priceWad, err := e.feed.CurrentPrice(); err == nil {
		snap.PriceWad = priceWad
	}
	return snap
}

// RestoreFromSnapshot rebuilds the engine's in-memory state. On warm
// restart the caller loads the latest snapshot, restores, then replays
// the operation log past the snapshot sequence.
func (e *StabilityEngine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)

	e.stable = ledger.RestoreFungibleLedger(ledger.AssetStable, snap.StableBalances)
	if snap.BufferExists {
		e.buffer = ledger.RestoreFungibleLedger(ledger.AssetBuffer, snap.BufferBalances)
	} else {
		e.buffer = nil
	}
	e.vault = state.RestoreCollateralVault(e.transferor, snap.Collateral)

	if snap.PriceWad != nil {
		e.feed.Observe(snap.PriceWad, snap.PriceSequence, snap.PriceObservedAt)
	}

	e.balanceTracker = ledger.NewBalanceTracker()
	for key, balance := range snap.TrackerBalances {
		e.balanceTracker.SetBalance(key, balance)
	}
	e.validator = ledger.NewInvariantValidator(e.balanceTracker)
	e.journalGen.SetSequence(snap.Sequence + 1)

	for partition, seq := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, seq)
	}

	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys so reprocessed operations skip
// the cold DB path.
func (e *StabilityEngine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// ReplayEnvelope re-applies a logged operation during recovery. Outputs
// are suppressed and the recomputed hash must match the logged one; a
// mismatch means the code or the log changed and the caller must halt.
func (e *StabilityEngine) ReplayEnvelope(env *event.OperationEnvelope) error {
	op, err := event.DecodePayload(env.OperationType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	if e.sequence != env.Sequence {
		return fmt.Errorf("replay alignment: engine at sequence %d, log at %d", e.sequence, env.Sequence)
	}

	e.replaying = true
	defer func() { e.replaying = false }()

	res := e.ProcessOperation(op)
	if res.Err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, res.Err)
	}
	if res.Duplicate || res.Skipped {
		return fmt.Errorf("replay sequence %d unexpectedly skipped", env.Sequence)
	}
	if res.StateHash != env.StateHash {
		return fmt.Errorf("state divergence at sequence %d: recomputed %x, logged %x",
			env.Sequence, res.StateHash, env.StateHash)
	}
	return nil
}
