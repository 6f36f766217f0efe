package core_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/oracle"

	"github.com/google/uuid"
)

// --- Test helpers ---

// recordingTransferor accumulates outbound native payouts per recipient.
// Setting reject makes every transfer fail, exercising rollback paths.
type recordingTransferor struct {
	payouts map[uuid.UUID]*big.Int
	reject  bool
}

func newRecordingTransferor() *recordingTransferor {
	return &recordingTransferor{payouts: make(map[uuid.UUID]*big.Int)}
}

func (r *recordingTransferor) TransferNative(recipient uuid.UUID, amount *big.Int) error {
	if r.reject {
		return errors.New("recipient unavailable")
	}
	cur, ok := r.payouts[recipient]
	if !ok {
		cur = new(big.Int)
		r.payouts[recipient] = cur
	}
	cur.Add(cur, amount)
	return nil
}

func (r *recordingTransferor) paid(recipient uuid.UUID) *big.Int {
	if cur, ok := r.payouts[recipient]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// newTestEngine creates a StabilityEngine with buffered channels, a
// recording transferor, and no DB checker.
func newTestEngine(t *testing.T, feeRatePct int64) (*core.StabilityEngine, *recordingTransferor, chan core.CoreOutput) {
	t.Helper()
	rec := newRecordingTransferor()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)

	feePolicy, err := core.NewFeePolicy(feeRatePct)
	if err != nil {
		t.Fatalf("NewFeePolicy failed: %v", err)
	}

	eng := core.NewStabilityEngine(0, feePolicy, oracle.NewCachedFeed(), rec, persistChan, projChan, nil, nil)
	return eng, rec, persistChan
}

func mustMint(account uuid.UUID, attachedNative *big.Int, seq int64) *event.MintStable {
	return &event.MintStable{
		OperationID:    uuid.New(),
		Account:        account,
		AttachedNative: attachedNative,
		Sequence:       seq,
		Timestamp:      time.UnixMicro(1_000_000 + seq*1000),
	}
}

func mustBurn(account uuid.UUID, burnAmount *big.Int, seq int64) *event.BurnStable {
	return &event.BurnStable{
		OperationID: uuid.New(),
		Account:     account,
		BurnAmount:  burnAmount,
		Sequence:    seq,
		Timestamp:   time.UnixMicro(1_000_000 + seq*1000),
	}
}

func mustDeposit(account uuid.UUID, attachedNative *big.Int, seq int64) *event.DepositBuffer {
	return &event.DepositBuffer{
		OperationID:    uuid.New(),
		Account:        account,
		AttachedNative: attachedNative,
		Sequence:       seq,
		Timestamp:      time.UnixMicro(1_000_000 + seq*1000),
	}
}

func mustWithdraw(account uuid.UUID, burnAmount *big.Int, seq int64) *event.WithdrawBuffer {
	return &event.WithdrawBuffer{
		OperationID: uuid.New(),
		Account:     account,
		BurnAmount:  burnAmount,
		Sequence:    seq,
		Timestamp:   time.UnixMicro(1_000_000 + seq*1000),
	}
}

func mustPrice(units int64, priceSeq int64) *event.PriceUpdate {
	return &event.PriceUpdate{
		PriceWad:  fpmath.WadFromUnits(units),
		Sequence:  priceSeq,
		Timestamp: time.UnixMicro(2_000_000 + priceSeq*1000),
	}
}

// mustApply processes op and fails the test on any non-applied outcome.
func mustApply(t *testing.T, eng *core.StabilityEngine, op event.Operation) core.OperationResult {
	t.Helper()
	res := eng.ProcessOperation(op)
	if res.Err != nil {
		t.Fatalf("ProcessOperation(%T) failed: %v", op, res.Err)
	}
	if res.Duplicate || res.Skipped {
		t.Fatalf("ProcessOperation(%T) unexpectedly skipped", op)
	}
	return res
}

// wad converts whole units to 1e18 scale.
func wad(n int64) *big.Int {
	return fpmath.WadFromUnits(n)
}

// bigint parses a decimal literal too large for int64.
func bigint(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big literal: " + s)
	}
	return v
}

func assertBig(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Mint Stable
// ============================================================================

func TestMintStable_NoPool_MintsAtPrice(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	res := mustApply(t, eng, mustMint(alice, wad(1), 0))

	if res.Sequence != 1 {
		t.Errorf("expected engine sequence 1 after price, got %d", res.Sequence)
	}

	// 1 native at 4000 with no pool: no fee, exactly 4000 stable units.
	assertBig(t, "stable balance", eng.StableBalanceOf(alice), wad(4000))
	assertBig(t, "stable supply", eng.StableSupply(), wad(4000))
	assertBig(t, "collateral", eng.CollateralBalance(), wad(1))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs (price + mint), got %d", len(outputs))
	}

	batch := outputs[1].Batch
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeCollateralDeposit {
		t.Errorf("journal 0: expected CollateralDeposit, got %d", batch.Journals[0].JournalType)
	}
	assertBig(t, "collateral journal amount", batch.Journals[0].Amount, wad(1))
	if batch.Journals[1].JournalType != ledger.JournalTypeStableMint {
		t.Errorf("journal 1: expected StableMint, got %d", batch.Journals[1].JournalType)
	}
	assertBig(t, "mint journal amount", batch.Journals[1].Amount, wad(4000))
}

func TestMintStable_WithPool_ChargesEntryFee(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Bootstrap the pool: supply 4000, min deposit 10% / price = 0.1 native.
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))
	assertBig(t, "buffer supply", eng.BufferSupply(), wad(400))

	// Second mint pays the 3% entry fee: net 0.97 native -> 3880 stable.
	// The full attached value, fee included, lands in the vault.
	res := mustApply(t, eng, mustMint(alice, wad(1), 2))
	if res.Err != nil {
		t.Fatalf("mint failed: %v", res.Err)
	}
	assertBig(t, "stable balance", eng.StableBalanceOf(alice), wad(7880))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(2_100_000_000_000_000_000))
}

func TestMintStable_InvalidAmount_Rejected(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))

	for i, attached := range []*big.Int{big.NewInt(0), big.NewInt(-5), nil} {
		res := eng.ProcessOperation(mustMint(alice, attached, int64(i)))
		if !errors.Is(res.Err, core.ErrInvalidAmount) {
			t.Errorf("attached %v: expected ErrInvalidAmount, got %v", attached, res.Err)
		}
		if !core.IsRejection(res.Err) {
			t.Errorf("attached %v: expected a terminal rejection", attached)
		}
	}

	assertBig(t, "stable supply", eng.StableSupply(), new(big.Int))
	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Errorf("expected only the price output, got %d", got)
	}
}

func TestMintStable_BeforeAnyPrice_FailsThenRecovers(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mint := mustMint(alice, wad(1), 0)
	res := eng.ProcessOperation(mint)
	if !errors.Is(res.Err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", res.Err)
	}
	if core.IsRejection(res.Err) {
		t.Fatal("missing price is transient, not a terminal rejection")
	}

	// The source sequence was not consumed, so the identical operation
	// succeeds once a price arrives.
	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mint)
	assertBig(t, "stable supply", eng.StableSupply(), wad(4000))
}

// ============================================================================
// Test: Burn Stable
// ============================================================================

func TestBurnStable_RefundsAtPrice_NoFeeWithoutPool(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Burn 3900 of 4000 at price 4000: refund 3900/4000 = 0.975 native,
	// no fee while the pool is absent.
	mustApply(t, eng, mustBurn(alice, wad(3900), 1))

	assertBig(t, "stable supply", eng.StableSupply(), wad(100))
	assertBig(t, "stable balance", eng.StableBalanceOf(alice), wad(100))
	assertBig(t, "payout", rec.paid(alice), big.NewInt(975_000_000_000_000_000))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(25_000_000_000_000_000))
}

func TestBurnStable_WithPool_FeeStaysInVault(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))

	// Burn 400 stable: gross refund 0.1 native, 3% exit fee = 0.003,
	// payout 0.097. The fee never leaves the vault.
	mustApply(t, eng, mustBurn(alice, wad(400), 2))

	assertBig(t, "stable supply", eng.StableSupply(), wad(3600))
	assertBig(t, "payout", rec.paid(alice), big.NewInt(97_000_000_000_000_000))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_003_000_000_000_000_000))
}

func TestBurnStable_DeficitBlocked(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Price slips to 3999: collateral value 3999 < supply 4000.
	mustApply(t, eng, mustPrice(3999, 2))

	res := eng.ProcessOperation(mustBurn(alice, wad(100), 1))
	if !errors.Is(res.Err, core.ErrDeficit) {
		t.Fatalf("expected ErrDeficit, got %v", res.Err)
	}
	assertBig(t, "stable balance unchanged", eng.StableBalanceOf(alice), wad(4000))
	assertBig(t, "no payout", rec.paid(alice), new(big.Int))
}

func TestBurnStable_InsufficientBalance(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	res := eng.ProcessOperation(mustBurn(bob, wad(100), 1))
	if !errors.Is(res.Err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", res.Err)
	}
	if !core.IsRejection(res.Err) {
		t.Fatal("insufficient balance is a terminal rejection")
	}
	assertBig(t, "stable supply unchanged", eng.StableSupply(), wad(4000))
}

func TestBurnStable_RefundRejected_RollsBack(t *testing.T) {
	eng, rec, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	drainOutputs(persistCh)

	rec.reject = true
	res := eng.ProcessOperation(mustBurn(alice, wad(100), 1))
	if !errors.Is(res.Err, core.ErrRefundTransfer) {
		t.Fatalf("expected ErrRefundTransfer, got %v", res.Err)
	}

	// The burn was rolled back: balances, supply, and vault are untouched
	// and nothing was committed.
	assertBig(t, "stable balance", eng.StableBalanceOf(alice), wad(4000))
	assertBig(t, "stable supply", eng.StableSupply(), wad(4000))
	assertBig(t, "collateral", eng.CollateralBalance(), wad(1))
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("expected no output for rolled-back burn, got %d", got)
	}

	// The engine stays consistent: the same burn succeeds once the
	// recipient accepts, on the next source sequence.
	rec.reject = false
	mustApply(t, eng, mustBurn(alice, wad(100), 2))
	assertBig(t, "payout after retry", rec.paid(alice), big.NewInt(25_000_000_000_000_000))
}

// ============================================================================
// Test: Deposit Buffer — bootstrap branch
// ============================================================================

func TestDepositBuffer_BelowBootstrapMinimum_Rejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Supply 4000, balanced system: minimum is 10% of supply at price
	// 4000 = 0.1 native. Offering 0.05 falls short.
	res := eng.ProcessOperation(mustDeposit(alice, big.NewInt(50_000_000_000_000_000), 1))
	if !errors.Is(res.Err, core.ErrInsufficientBootstrapCollateral) {
		t.Fatalf("expected ErrInsufficientBootstrapCollateral, got %v", res.Err)
	}
	if eng.BufferExists() {
		t.Error("buffer pool must not be created by a rejected deposit")
	}
	assertBig(t, "collateral unchanged", eng.CollateralBalance(), wad(1))
}

func TestDepositBuffer_ExactMinimum_SeedsPoolAtParity(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	drainOutputs(persistCh)

	// Exactly the minimum: whole deposit becomes surplus, buffer units
	// seed 1:1 with its stable-unit value (0.1 native * 4000 = 400).
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))

	if !eng.BufferExists() {
		t.Fatal("buffer pool should exist after bootstrap")
	}
	assertBig(t, "buffer supply", eng.BufferSupply(), wad(400))
	assertBig(t, "buffer balance", eng.BufferBalanceOf(bob), wad(400))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_100_000_000_000_000_000))

	// Bootstrap mints carry no notification: pricing starts at parity.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Outbound) != 0 {
		t.Errorf("expected no outbound events on bootstrap, got %d", len(outputs[0].Outbound))
	}
}

func TestDepositBuffer_FirstOperation_EmptySystem(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))

	// Zero supply, zero collateral: any positive deposit bootstraps a
	// pure-surplus pool.
	mustApply(t, eng, mustDeposit(alice, wad(1), 0))
	assertBig(t, "buffer supply", eng.BufferSupply(), wad(4000))
	assertBig(t, "collateral", eng.CollateralBalance(), wad(1))
}

func TestDepositBuffer_DeficitRecovery_SeedsPoolAfterClearingDeficit(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Price drops to 3000: deficit 1000 stable. Minimum deposit is
	// deficit/price + 10%*supply/price = 0.333... + 0.1333... native,
	// both truncated.
	mustApply(t, eng, mustPrice(3000, 2))
	minDeposit := big.NewInt(466_666_666_666_666_666)

	short := eng.ProcessOperation(mustDeposit(bob, big.NewInt(466_666_666_666_666_665), 1))
	if !errors.Is(short.Err, core.ErrInsufficientBootstrapCollateral) {
		t.Fatalf("expected ErrInsufficientBootstrapCollateral, got %v", short.Err)
	}

	mustApply(t, eng, mustDeposit(bob, minDeposit, 2))

	// Only the value above the deficit becomes surplus; repeated
	// truncation leaves the seeded supply 1000 units-of-1e-18 shy of 400.
	assertBig(t, "buffer supply", eng.BufferSupply(), bigint("399999999999999999000"))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_466_666_666_666_666_666))
}

// ============================================================================
// Test: Deposit Buffer — surplus branch
// ============================================================================

func TestDepositBuffer_Surplus_ProRataMintAndNotification(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))

	// Price rises to 4400: surplus = 1.1*4400 - 4000 = 840 stable.
	mustApply(t, eng, mustPrice(4400, 2))
	drainOutputs(persistCh)

	// Pricing wad = supply/surplus = 400/840, truncated. Deposit worth
	// 2200 stable mints 2200 * wad buffer units.
	mustApply(t, eng, mustDeposit(carol, big.NewInt(500_000_000_000_000_000), 2))

	wantWad := big.NewInt(476_190_476_190_476_190)
	wantMinted := bigint("1047619047619047618000")
	assertBig(t, "buffer balance", eng.BufferBalanceOf(carol), wantMinted)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Outbound) != 1 {
		t.Fatalf("expected 1 outbound event, got %d", len(outputs[0].Outbound))
	}
	minted, ok := outputs[0].Outbound[0].(*event.BufferUnitMinted)
	if !ok {
		t.Fatalf("expected BufferUnitMinted, got %T", outputs[0].Outbound[0])
	}
	if minted.Account != carol {
		t.Errorf("notification account mismatch: %v", minted.Account)
	}
	assertBig(t, "notification wad", minted.BufferPriceWad, wantWad)
	assertBig(t, "notification minted", minted.MintedBuffer, wantMinted)
}

func TestDepositBuffer_RepeatedEqualDeposits_SamePricing(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))
	mustApply(t, eng, mustPrice(4400, 2))
	drainOutputs(persistCh)

	// Two identical deposits with the price held constant: each grows
	// supply and surplus in the wad's own ratio, so the second mints
	// exactly the same amount at exactly the same wad.
	deposit := big.NewInt(500_000_000_000_000_000)
	mustApply(t, eng, mustDeposit(carol, deposit, 2))
	mustApply(t, eng, mustDeposit(carol, deposit, 3))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	first := outputs[0].Outbound[0].(*event.BufferUnitMinted)
	second := outputs[1].Outbound[0].(*event.BufferUnitMinted)
	assertBig(t, "second wad equals first", second.BufferPriceWad, first.BufferPriceWad)
	assertBig(t, "second mint equals first", second.MintedBuffer, first.MintedBuffer)
	assertBig(t, "total minted", eng.BufferBalanceOf(carol),
		new(big.Int).Add(first.MintedBuffer, second.MintedBuffer))
}

func TestDepositBuffer_SurplusWithoutPool_Rejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Price rises with no pool: the system is in surplus but there is
	// nothing to price the deposit against.
	mustApply(t, eng, mustPrice(4100, 2))

	res := eng.ProcessOperation(mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))
	if !errors.Is(res.Err, core.ErrBufferPoolNotInitialized) {
		t.Fatalf("expected ErrBufferPoolNotInitialized, got %v", res.Err)
	}
	if eng.BufferExists() {
		t.Error("rejected deposit must not create the pool")
	}
}

func TestDepositBuffer_DrainedPool_MintsZero(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(200_000_000_000_000_000), 1))
	mustApply(t, eng, mustWithdraw(bob, wad(800), 2))
	assertBig(t, "buffer supply after drain", eng.BufferSupply(), new(big.Int))
	mustApply(t, eng, mustPrice(4400, 2))
	drainOutputs(persistCh)

	// The pool exists with zero supply and the system is in surplus
	// (1 native at 4400 against 4000 stable). The pricing wad is
	// 0/400 = 0, so the deposit commits, the vault keeps the full
	// attached value, and the depositor receives zero buffer units —
	// the formula followed literally, with no claim minted.
	mustApply(t, eng, mustDeposit(carol, big.NewInt(100_000_000_000_000_000), 3))

	assertBig(t, "minted buffer", eng.BufferBalanceOf(carol), new(big.Int))
	assertBig(t, "buffer supply", eng.BufferSupply(), new(big.Int))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_100_000_000_000_000_000))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	minted := outputs[0].Outbound[0].(*event.BufferUnitMinted)
	assertBig(t, "notification mint", minted.MintedBuffer, new(big.Int))
	assertBig(t, "notification wad", minted.BufferPriceWad, new(big.Int))
}

// ============================================================================
// Test: Withdraw Buffer
// ============================================================================

func TestWithdrawBuffer_FullExitAtParity_RoundTrips(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(200_000_000_000_000_000), 1))
	assertBig(t, "buffer supply", eng.BufferSupply(), wad(800))

	// Price unchanged: wad = 800/800 = 1, full exit refunds exactly the
	// 0.2 native deposited.
	mustApply(t, eng, mustWithdraw(bob, wad(800), 2))

	assertBig(t, "payout", rec.paid(bob), big.NewInt(200_000_000_000_000_000))
	assertBig(t, "buffer supply", eng.BufferSupply(), new(big.Int))
	assertBig(t, "collateral", eng.CollateralBalance(), wad(1))
	if !eng.BufferExists() {
		t.Error("pool persists at zero supply")
	}
}

func TestWithdrawBuffer_SurplusGrowth_RefundTracksSupplyRatio(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(200_000_000_000_000_000), 1))

	// Price rises to 4500: surplus grows from 800 to 1400 stable. The
	// pricing wad is supply/surplus, so a grown surplus yields a smaller
	// per-unit redemption, not a larger one.
	mustApply(t, eng, mustPrice(4500, 2))

	mustApply(t, eng, mustWithdraw(bob, wad(400), 2))

	// wad = 800/1400 = 0.571428... -> 400 units redeem 228.571... stable
	// -> 0.0507936... native at price 4500, truncated at each step.
	assertBig(t, "payout", rec.paid(bob), big.NewInt(50_793_650_793_650_793))
	assertBig(t, "buffer supply", eng.BufferSupply(), wad(400))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_149_206_349_206_349_207))
}

func TestWithdrawBuffer_AfterPriceDrop_OverRefunds(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(200_000_000_000_000_000), 1))

	// Price falls to 3500: surplus shrinks to 1.2*3500 - 4000 = 200
	// stable, so the wad inverts to 800/200 = 4 and a full exit claims
	// 3200 stable = 0.914285... native, far more than the pool's share.
	mustApply(t, eng, mustPrice(3500, 2))
	mustApply(t, eng, mustWithdraw(bob, wad(800), 2))

	assertBig(t, "payout", rec.paid(bob), big.NewInt(914_285_714_285_714_285))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(285_714_285_714_285_715))

	// The drained vault leaves stable holders undercollateralized:
	// redemption is now blocked.
	res := eng.ProcessOperation(mustBurn(alice, wad(100), 3))
	if !errors.Is(res.Err, core.ErrDeficit) {
		t.Fatalf("expected ErrDeficit after drained vault, got %v", res.Err)
	}
}

func TestWithdrawBuffer_RefundExceedsVault_RejectedAndRolledBack(t *testing.T) {
	eng, rec, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(500_000_000_000_000_000), 1))

	// Price falls to 2700: surplus 1.5*2700 - 4000 = 50 stable, wad
	// 2000/50 = 40. A full exit would claim 80000 stable = 29.6 native
	// against a 1.5 native vault.
	mustApply(t, eng, mustPrice(2700, 2))

	res := eng.ProcessOperation(mustWithdraw(bob, wad(2000), 2))
	if !errors.Is(res.Err, core.ErrRefundTransfer) {
		t.Fatalf("expected ErrRefundTransfer, got %v", res.Err)
	}
	assertBig(t, "buffer restored", eng.BufferBalanceOf(bob), wad(2000))
	assertBig(t, "collateral untouched", eng.CollateralBalance(), big.NewInt(1_500_000_000_000_000_000))

	// A smaller exit the vault can cover still goes through.
	mustApply(t, eng, mustWithdraw(bob, wad(30), 3))
	assertBig(t, "payout", rec.paid(bob), big.NewInt(444_444_444_444_444_444))
	assertBig(t, "collateral", eng.CollateralBalance(), big.NewInt(1_055_555_555_555_555_556))
}

func TestWithdrawBuffer_NoPool_Rejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))

	res := eng.ProcessOperation(mustWithdraw(alice, wad(10), 0))
	if !errors.Is(res.Err, core.ErrBufferPoolNotInitialized) {
		t.Fatalf("expected ErrBufferPoolNotInitialized, got %v", res.Err)
	}
}

func TestWithdrawBuffer_InsufficientBalance_Rejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustDeposit(alice, wad(1), 0))

	res := eng.ProcessOperation(mustWithdraw(bob, wad(10), 1))
	if !errors.Is(res.Err, core.ErrInsufficientBufferBalance) {
		t.Fatalf("expected ErrInsufficientBufferBalance, got %v", res.Err)
	}
	assertBig(t, "supply unchanged", eng.BufferSupply(), wad(4000))
}

func TestWithdrawBuffer_NoSurplus_RejectedWithRollback(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))

	// Price drops until collateral value 1.1*3636 = 3999.6 < supply 4000.
	mustApply(t, eng, mustPrice(3636, 2))

	res := eng.ProcessOperation(mustWithdraw(bob, wad(100), 2))
	if !errors.Is(res.Err, core.ErrNoSurplusToWithdraw) {
		t.Fatalf("expected ErrNoSurplusToWithdraw, got %v", res.Err)
	}
	assertBig(t, "buffer restored", eng.BufferBalanceOf(bob), wad(400))
	assertBig(t, "supply restored", eng.BufferSupply(), wad(400))
}

// ============================================================================
// Test: Price Updates
// ============================================================================

func TestPriceUpdate_CommitsEnvelopeWithoutJournals(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)

	mustApply(t, eng, mustPrice(4000, 1))

	price, err := eng.CurrentPrice()
	if err != nil {
		t.Fatalf("CurrentPrice failed: %v", err)
	}
	assertBig(t, "cached price", price, wad(4000))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.OperationType != event.OpTypePriceUpdate {
		t.Errorf("expected PriceUpdate envelope, got %v", env.OperationType)
	}
	if env.AccountID != nil {
		t.Errorf("expected nil account for price update, got %v", env.AccountID)
	}
	if env.SourceSequence != 1 {
		t.Errorf("expected source sequence 1, got %d", env.SourceSequence)
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("price update must carry no journals, got %d", len(outputs[0].Batch.Journals))
	}
}

func TestPriceUpdate_StaleIgnored(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)

	mustApply(t, eng, mustPrice(4000, 5))
	drainOutputs(persistCh)

	res := eng.ProcessOperation(mustPrice(3900, 3))
	if res.Err != nil {
		t.Fatalf("stale price should not error: %v", res.Err)
	}
	if !res.Skipped {
		t.Fatal("expected stale price to be skipped")
	}

	price, _ := eng.CurrentPrice()
	assertBig(t, "cached price unchanged", price, wad(4000))
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("expected no output for stale price, got %d", got)
	}
}

func TestPriceUpdate_DuplicateSequence_Skipped(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)

	mustApply(t, eng, mustPrice(4000, 1))
	drainOutputs(persistCh)

	res := eng.ProcessOperation(mustPrice(4000, 1))
	if res.Err != nil {
		t.Fatalf("duplicate price should not error: %v", res.Err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate price to be flagged")
	}
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("expected no output for duplicate price, got %d", got)
	}
}

func TestPriceUpdate_NonPositive_Rejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)

	for _, priceWad := range []*big.Int{big.NewInt(0), big.NewInt(-1)} {
		res := eng.ProcessOperation(&event.PriceUpdate{
			PriceWad:  priceWad,
			Sequence:  1,
			Timestamp: time.UnixMicro(2_000_000),
		})
		if !errors.Is(res.Err, core.ErrInvalidAmount) {
			t.Errorf("price %s: expected ErrInvalidAmount, got %v", priceWad, res.Err)
		}
	}
	if _, err := eng.CurrentPrice(); !errors.Is(err, oracle.ErrNoPrice) {
		t.Error("rejected prices must not populate the feed")
	}
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestDuplicateOperation_NotReapplied(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mint := mustMint(alice, wad(1), 0)
	mustApply(t, eng, mint)
	drainOutputs(persistCh)

	res := eng.ProcessOperation(mint)
	if res.Err != nil {
		t.Fatalf("duplicate should not error: %v", res.Err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate flag")
	}
	assertBig(t, "supply unchanged", eng.StableSupply(), wad(4000))
	if got := len(drainOutputs(persistCh)); got != 0 {
		t.Errorf("expected no output for duplicate, got %d", got)
	}
}

func TestSequence_GapToleratedOutOfOrderRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// Terminal rejections consume source sequences without an envelope,
	// so a forward gap is accepted.
	mustApply(t, eng, mustMint(alice, wad(1), 5))
	assertBig(t, "supply", eng.StableSupply(), wad(8000))

	// A new operation behind the cursor is a producer fault.
	res := eng.ProcessOperation(mustMint(alice, wad(1), 3))
	if res.Err == nil {
		t.Fatal("expected out-of-order error, got nil")
	}
	assertBig(t, "supply unchanged", eng.StableSupply(), wad(8000))
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_LinksEnvelopes(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustBurn(alice, wad(100), 1))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	if outputs[0].Envelope.PrevHash != genesis {
		t.Error("first envelope must chain from the genesis hash")
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d prev_hash does not match envelope %d state_hash", i, i-1)
		}
	}
	if eng.GetStateHash() != outputs[2].Envelope.StateHash {
		t.Error("engine chain tip must equal the last envelope's state hash")
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	alice := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	bob := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	opIDs := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-000000000101"),
		uuid.MustParse("00000000-0000-0000-0000-000000000102"),
		uuid.MustParse("00000000-0000-0000-0000-000000000103"),
	}

	run := func() [][32]byte {
		eng, _, persistCh := newTestEngine(t, 3)

		mustApply(t, eng, mustPrice(4000, 1))

		mint := mustMint(alice, wad(1), 0)
		mint.OperationID = opIDs[0]
		mustApply(t, eng, mint)

		deposit := mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1)
		deposit.OperationID = opIDs[1]
		mustApply(t, eng, deposit)

		burn := mustBurn(alice, wad(400), 2)
		burn.OperationID = opIDs[2]
		mustApply(t, eng, burn)

		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := run()
	hashes2 := run()
	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	eng1, _, persistCh := newTestEngine(t, 3)
	alice := uuid.New()

	mustApply(t, eng1, mustPrice(4000, 1))
	mustApply(t, eng1, mustMint(alice, wad(1), 0))

	// A terminal rejection consumes source sequence 1 with no envelope;
	// replay must tolerate the resulting gap.
	rejected := eng1.ProcessOperation(mustMint(alice, big.NewInt(0), 1))
	if !errors.Is(rejected.Err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", rejected.Err)
	}

	mustApply(t, eng1, mustBurn(alice, wad(100), 2))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(outputs))
	}

	eng2, _, persistCh2 := newTestEngine(t, 3)
	for _, o := range outputs {
		if err := eng2.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay failed at sequence %d: %v", o.Envelope.Sequence, err)
		}
	}

	if eng2.GetStateHash() != eng1.GetStateHash() {
		t.Error("replayed chain tip differs from original")
	}
	if eng2.GetSequence() != eng1.GetSequence() {
		t.Errorf("replayed sequence %d, original %d", eng2.GetSequence(), eng1.GetSequence())
	}
	assertBig(t, "replayed supply", eng2.StableSupply(), wad(3900))
	assertBig(t, "replayed collateral", eng2.CollateralBalance(), big.NewInt(975_000_000_000_000_000))
	if got := len(drainOutputs(persistCh2)); got != 0 {
		t.Errorf("replay must not emit outputs, got %d", got)
	}

	// Replaying past the end is an alignment fault.
	if err := eng2.ReplayEnvelope(outputs[2].Envelope); err == nil {
		t.Error("expected alignment error on re-replayed envelope")
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_ResumesIdentically(t *testing.T) {
	eng1, _, _ := newTestEngine(t, 3)
	alice := uuid.New()
	bob := uuid.New()

	mustApply(t, eng1, mustPrice(4000, 1))
	mustApply(t, eng1, mustMint(alice, wad(1), 0))
	mustApply(t, eng1, mustDeposit(bob, big.NewInt(100_000_000_000_000_000), 1))

	snap := eng1.CreateSnapshotState()
	if snap.Sequence != 2 {
		t.Fatalf("expected snapshot at last committed sequence 2, got %d", snap.Sequence)
	}

	eng2, _, _ := newTestEngine(t, 3)
	eng2.RestoreFromSnapshot(snap)

	if eng2.GetSequence() != eng1.GetSequence() {
		t.Errorf("restored sequence %d, original %d", eng2.GetSequence(), eng1.GetSequence())
	}
	if eng2.GetStateHash() != eng1.GetStateHash() {
		t.Error("restored chain tip differs")
	}
	assertBig(t, "restored stable supply", eng2.StableSupply(), eng1.StableSupply())
	assertBig(t, "restored buffer supply", eng2.BufferSupply(), eng1.BufferSupply())
	assertBig(t, "restored collateral", eng2.CollateralBalance(), eng1.CollateralBalance())

	// Both engines process the same next operation to the same state.
	burn := mustBurn(alice, wad(400), 2)
	res1 := mustApply(t, eng1, burn)
	res2 := mustApply(t, eng2, burn)
	if res1.StateHash != res2.StateHash {
		t.Error("post-restore commit diverged from original")
	}
	assertBig(t, "post-restore collateral", eng2.CollateralBalance(), big.NewInt(1_003_000_000_000_000_000))
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

// reentrantTransferor calls back into the engine from inside an
// outbound refund, simulating a malicious recipient.
type reentrantTransferor struct {
	eng     *core.StabilityEngine
	results []core.OperationResult
}

func (r *reentrantTransferor) TransferNative(recipient uuid.UUID, amount *big.Int) error {
	r.results = append(r.results, r.eng.ProcessOperation(mustMint(recipient, wad(1), 99)))
	return nil
}

func TestReentrancy_InnerCallRejected(t *testing.T) {
	reentrant := &reentrantTransferor{}
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	feePolicy, err := core.NewFeePolicy(3)
	if err != nil {
		t.Fatalf("NewFeePolicy failed: %v", err)
	}
	eng := core.NewStabilityEngine(0, feePolicy, oracle.NewCachedFeed(), reentrant, persistChan, projChan, nil, nil)
	reentrant.eng = eng

	alice := uuid.New()
	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))

	// The burn's refund triggers the reentrant mint; the inner call must
	// be rejected while the outer burn completes normally.
	mustApply(t, eng, mustBurn(alice, wad(100), 1))

	if len(reentrant.results) != 1 {
		t.Fatalf("expected 1 reentrant attempt, got %d", len(reentrant.results))
	}
	if !errors.Is(reentrant.results[0].Err, core.ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", reentrant.results[0].Err)
	}
	assertBig(t, "supply reflects only the outer burn", eng.StableSupply(), wad(3900))
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — fills after one output
	feePolicy, err := core.NewFeePolicy(3)
	if err != nil {
		t.Fatalf("NewFeePolicy failed: %v", err)
	}
	eng := core.NewStabilityEngine(0, feePolicy, oracle.NewCachedFeed(), newRecordingTransferor(), persistCh, projCh, nil, nil)

	alice := uuid.New()
	mustApply(t, eng, mustPrice(4000, 1))
	mustApply(t, eng, mustMint(alice, wad(1), 0))
	mustApply(t, eng, mustMint(alice, wad(1), 1))

	// All commits reach persistence; projections drop silently on full.
	if got := len(drainOutputs(persistCh)); got != 3 {
		t.Errorf("expected 3 persist outputs, got %d", got)
	}
	if got := len(drainOutputs(projCh)); got != 1 {
		t.Errorf("expected 1 projection output, got %d", got)
	}
}

// ============================================================================
// Test: Submit / Run loop
// ============================================================================

func TestSubmit_RoundTripThroughRunLoop(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	alice := uuid.New()

	if _, err := eng.Submit(ctx, mustPrice(4000, 1)); err != nil {
		t.Fatalf("price submit failed: %v", err)
	}

	mint := mustMint(alice, wad(1), 0)
	res, err := eng.Submit(ctx, mint)
	if err != nil {
		t.Fatalf("mint submit failed: %v", err)
	}
	if res.Sequence != 1 {
		t.Errorf("expected engine sequence 1, got %d", res.Sequence)
	}

	dup, err := eng.Submit(ctx, mint)
	if err != nil {
		t.Fatalf("duplicate submit failed: %v", err)
	}
	if !dup.Duplicate {
		t.Error("expected duplicate flag on resubmitted operation")
	}
}

func TestRun_DoneClosesAfterCancel(t *testing.T) {
	eng, _, persistCh := newTestEngine(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	alice := uuid.New()
	if _, err := eng.Submit(ctx, mustPrice(4000, 1)); err != nil {
		t.Fatalf("price submit failed: %v", err)
	}
	if _, err := eng.Submit(ctx, mustMint(alice, wad(1), 0)); err != nil {
		t.Fatalf("mint submit failed: %v", err)
	}

	select {
	case <-eng.Done():
		t.Fatal("Done closed while the loop is still running")
	default:
	}

	cancel()
	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not close after cancellation")
	}

	// Once the loop has exited, direct state access is what shutdown does.
	drainOutputs(persistCh)
	snap := eng.CreateSnapshotState()
	if snap.Sequence != 2 {
		t.Errorf("expected snapshot at sequence 2, got %d", snap.Sequence)
	}
}
