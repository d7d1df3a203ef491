package core_test

import (
	"errors"
	"testing"
	"time"

	"creditvault/internal/auth"
	"creditvault/internal/core"
	"creditvault/internal/event"
	"creditvault/internal/ledger"
	"creditvault/internal/limiter"
	"creditvault/internal/pool"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const asset = "WETH"

var (
	owner     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	cp        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	recipient = common.HexToAddress("0x3333333333333333333333333333333333333333")
	settler   = common.HexToAddress("0x5555555555555555555555555555555555555555")
	lp        = common.HexToAddress("0x6666666666666666666666666666666666666666")
	venue     = common.HexToAddress("0x7777777777777777777777777777777777777777")
)

var base = time.Unix(1_700_000_000, 0)

func at(d time.Duration) time.Time { return base.Add(d) }

type fixture struct {
	vault     *core.Vault
	bank      *core.InMemoryBank
	persistCh chan core.Output
	domain    *auth.Domain
	sign      func(digest []byte) []byte
}

// newFixture builds a vault with a registered asset and one enabled
// counterparty, signing requests with a freshly generated trusted key.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	domain := auth.NewDomain("CreditVault", "1", 1)
	bank := core.NewInMemoryBank()
	persistCh := make(chan core.Output, 1024)
	projCh := make(chan core.Output, 1024)

	vault := core.NewVault(
		core.VaultConfig{
			Owner:         owner,
			Signer:        signer,
			Domain:        domain,
			EpochInterval: time.Hour,
			PoolParams: pool.Params{
				MinDeposit:      1_000,
				MinShareLock:    100,
				ExitFeeBips:     0,
				MaxRateStepBips: 10_000,
			},
			IdempotencyCapacity: 1024,
		},
		bank, persistCh, projCh, nil, nil, zerolog.Nop(),
	)

	if _, err := vault.RegisterAsset(uuid.New(), owner, asset, at(0)); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if _, err := vault.GrantRole(uuid.New(), owner, state.RoleVenue, venue, at(0)); err != nil {
		t.Fatalf("grant venue role: %v", err)
	}
	if _, err := vault.SetCounterparty(uuid.New(), owner, state.CounterpartyConfig{
		Counterparty: cp,
		Settler:      settler,
		Recipient:    recipient,
		Enabled:      true,
		Whitelisted:  true,
	}, at(0)); err != nil {
		t.Fatalf("set counterparty: %v", err)
	}

	return &fixture{
		vault:     vault,
		bank:      bank,
		persistCh: persistCh,
		domain:    domain,
		sign: func(digest []byte) []byte {
			sig, err := ethcrypto.Sign(digest, key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			return sig
		},
	}
}

func (f *fixture) trade(t *testing.T, amount, venueSeq int64) *event.TradeOpen {
	t.Helper()
	evt := &event.TradeOpen{
		TradeID:       uuid.New(),
		Venue:         venue,
		Counterparty:  cp,
		AssetOut:      asset,
		AmountOut:     amount,
		VenueSequence: venueSeq,
		Timestamp:     at(time.Duration(venueSeq) * time.Second),
	}
	if err := f.vault.ProcessTrade(evt); err != nil {
		t.Fatalf("trade: %v", err)
	}
	return evt
}

// fundCustody routes collateral through the bank so custody can pay out.
func (f *fixture) fundCustody(t *testing.T, amount int64) {
	t.Helper()
	f.bank.Fund(settler, asset, amount)
	if _, err := f.vault.AddCollateral(uuid.New(), settler, cp, asset, amount, at(0)); err != nil {
		t.Fatalf("fund custody: %v", err)
	}
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
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
// Venue trade flow
// ============================================================================

func TestTradeOpen_IncreasesPosition(t *testing.T) {
	f := newFixture(t)
	drainOutputs(f.persistCh)

	f.trade(t, 100, 0)

	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("expected position 100, got %d", got)
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeTradeOpen || j.Amount != 100 {
		t.Errorf("unexpected journal: type=%d amount=%d", j.JournalType, j.Amount)
	}
}

func TestTradeOpen_DuplicateDeliveryIgnored(t *testing.T) {
	f := newFixture(t)
	evt := f.trade(t, 100, 0)
	drainOutputs(f.persistCh)

	// Redelivery of the same trade: same TradeID, same stale venue sequence.
	if err := f.vault.ProcessTrade(evt); err != nil {
		t.Fatalf("duplicate delivery must not error: %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("duplicate must not re-apply, position=%d", got)
	}
	if outputs := drainOutputs(f.persistCh); len(outputs) != 0 {
		t.Errorf("expected no output for duplicate, got %d", len(outputs))
	}
}

func TestTradeOpen_SequenceGapDetected(t *testing.T) {
	f := newFixture(t)
	f.trade(t, 100, 0)

	evt := &event.TradeOpen{
		TradeID:       uuid.New(),
		Venue:         venue,
		Counterparty:  cp,
		AssetOut:      asset,
		AmountOut:     50,
		VenueSequence: 2, // skips 1
		Timestamp:     at(2 * time.Second),
	}
	if err := f.vault.ProcessTrade(evt); err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("gapped trade must not apply, position=%d", got)
	}
}

func TestTradeOpen_UnknownCounterpartyRejected(t *testing.T) {
	f := newFixture(t)

	evt := &event.TradeOpen{
		TradeID:       uuid.New(),
		Venue:         venue,
		Counterparty:  common.HexToAddress("0x9999999999999999999999999999999999999999"),
		AssetOut:      asset,
		AmountOut:     100,
		VenueSequence: 0,
		Timestamp:     at(0),
	}
	err := f.vault.ProcessTrade(evt)
	if !errors.Is(err, state.ErrUnknownCounterparty) {
		t.Errorf("expected ErrUnknownCounterparty, got %v", err)
	}
}

func TestTradeOpen_UnauthorizedVenueRejected(t *testing.T) {
	f := newFixture(t)

	evt := &event.TradeOpen{
		TradeID:       uuid.New(),
		Venue:         common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Counterparty:  cp,
		AssetOut:      asset,
		AmountOut:     100,
		VenueSequence: 0,
		Timestamp:     at(0),
	}
	err := f.vault.ProcessTrade(evt)
	if !errors.Is(err, state.ErrUnauthorizedRole) {
		t.Errorf("expected ErrUnauthorizedRole, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 0 {
		t.Errorf("unauthorized trade must not open a position, got %d", got)
	}
}

// ============================================================================
// Signed settlement flow
// ============================================================================

func (f *fixture) settle(nonce uint64, delta int64, now time.Time) (*event.SettlementApplied, error) {
	req := &auth.SettlementRequest{
		Nonce:        nonce,
		Deadline:     now.Unix() + 60,
		Counterparty: cp,
		Updates:      []auth.PositionUpdate{{Asset: asset, Delta: delta}},
	}
	digest := f.domain.SettlementDigest(req, recipient)
	return f.vault.Settle(uuid.New(), settler, req, f.sign(digest), now)
}

func TestSettle_ClosingPaysPinnedRecipient(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)
	drainOutputs(f.persistCh)

	applied, err := f.settle(1, -40, at(time.Minute))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := f.vault.PositionOf(cp, asset); got != 60 {
		t.Errorf("expected position 60 after close, got %d", got)
	}
	if got := f.bank.BalanceOf(recipient, asset); got != 40 {
		t.Errorf("expected recipient paid 40, got %d", got)
	}
	if applied.Recipient != recipient {
		t.Errorf("payout must pin the configured recipient, got %s", applied.Recipient.Hex())
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeSettlementPayout || j.Amount != 40 {
		t.Errorf("unexpected journal: type=%d amount=%d", j.JournalType, j.Amount)
	}
}

func TestSettle_OvercloseFailsAndRollsBackNonce(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	if _, err := f.settle(1, -150, at(time.Minute)); err == nil {
		t.Fatal("expected overclose to fail, got nil")
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("failed settle must not move the position, got %d", got)
	}
	if got := f.bank.BalanceOf(recipient, asset); got != 0 {
		t.Errorf("failed settle must not pay out, recipient has %d", got)
	}

	// The nonce was consumed during verification and must have been rolled
	// back with the rest of the failed operation.
	if _, err := f.settle(1, -40, at(2 * time.Minute)); err != nil {
		t.Fatalf("nonce must be reusable after rollback: %v", err)
	}
}

// shortTrade opens a negative position: the counterparty delivered the asset
// to the venue, so the pool owes it.
func (f *fixture) shortTrade(t *testing.T, amount int64) {
	t.Helper()
	if _, err := f.vault.RegisterAsset(uuid.New(), owner, "USDC", at(0)); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	evt := &event.TradeOpen{
		TradeID:      uuid.New(),
		Venue:        venue,
		Counterparty: cp,
		AssetOut:     "USDC",
		AmountOut:    1,
		AssetIn:      asset,
		AmountIn:     amount,
		Timestamp:    at(0),
	}
	if err := f.vault.ProcessTrade(evt); err != nil {
		t.Fatalf("short trade: %v", err)
	}
}

func TestSettle_PositiveDeltaClosesNegativePosition(t *testing.T) {
	f := newFixture(t)
	f.shortTrade(t, 100)
	if got := f.vault.PositionOf(cp, asset); got != -100 {
		t.Fatalf("expected position -100, got %d", got)
	}

	f.bank.Fund(settler, asset, 500)
	applied, err := f.settle(1, 30, at(time.Minute))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != -70 {
		t.Errorf("expected position -70, got %d", got)
	}
	if got := f.bank.BalanceOf(settler, asset); got != 470 {
		t.Errorf("expected caller charged 30, balance=%d", got)
	}
	if len(applied.Collected) != 1 || applied.Collected[0].Amount != 30 {
		t.Errorf("unexpected collected amounts: %+v", applied.Collected)
	}
}

func TestSettle_PositiveDeltaCannotEnlarge(t *testing.T) {
	f := newFixture(t)
	f.bank.Fund(settler, asset, 500)
	f.trade(t, 100, 0)

	// Settlement is closing-only in both directions: a positive delta on a
	// positive position would enlarge it.
	_, err := f.settle(1, 30, at(time.Minute))
	if !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Fatalf("expected ErrInvalidPositionUpdateAmount, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("rejected settle must not move the position, got %d", got)
	}
}

func TestSettle_StrangerCallerRejected(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	stranger := common.HexToAddress("0x8888888888888888888888888888888888888888")
	req := &auth.SettlementRequest{
		Nonce:        1,
		Deadline:     at(time.Minute).Unix() + 60,
		Counterparty: cp,
		Updates:      []auth.PositionUpdate{{Asset: asset, Delta: -40}},
	}
	digest := f.domain.SettlementDigest(req, recipient)
	_, err := f.vault.Settle(uuid.New(), stranger, req, f.sign(digest), at(time.Minute))
	if !errors.Is(err, core.ErrOnlyTrader) {
		t.Fatalf("expected ErrOnlyTrader, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("rejected settle must not move the position, got %d", got)
	}
}

func TestSettle_DuplicateRequestID(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	requestID := uuid.New()
	req := &auth.SettlementRequest{
		Nonce:        1,
		Deadline:     at(time.Minute).Unix() + 60,
		Counterparty: cp,
		Updates:      []auth.PositionUpdate{{Asset: asset, Delta: -40}},
	}
	digest := f.domain.SettlementDigest(req, recipient)
	if _, err := f.vault.Settle(requestID, settler, req, f.sign(digest), at(time.Minute)); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	_, err := f.vault.Settle(requestID, settler, req, f.sign(digest), at(2*time.Minute))
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 60 {
		t.Errorf("duplicate must not re-apply, position=%d", got)
	}
}

// ============================================================================
// Repayment
// ============================================================================

func TestRepay_CollectsAndClosesNegativePosition(t *testing.T) {
	f := newFixture(t)
	f.shortTrade(t, 100)
	f.bank.Fund(settler, asset, 500)

	applied, err := f.vault.Repay(uuid.New(), settler, cp,
		[]auth.PositionUpdate{{Asset: asset, Delta: 40}}, at(time.Minute))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != -60 {
		t.Errorf("expected position -60, got %d", got)
	}
	if got := f.bank.BalanceOf(settler, asset); got != 460 {
		t.Errorf("expected caller charged 40, balance=%d", got)
	}
	if len(applied.Collected) != 1 || applied.Collected[0].Amount != 40 {
		t.Errorf("unexpected collected amounts: %+v", applied.Collected)
	}
}

func TestRepay_RejectsNonPositiveDelta(t *testing.T) {
	f := newFixture(t)
	f.shortTrade(t, 100)
	f.bank.Fund(settler, asset, 500)

	_, err := f.vault.Repay(uuid.New(), settler, cp,
		[]auth.PositionUpdate{{Asset: asset, Delta: -40}}, at(time.Minute))
	if !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Fatalf("expected ErrInvalidPositionUpdateAmount, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != -100 {
		t.Errorf("rejected repay must not move the position, got %d", got)
	}
}

func TestRepay_StrangerCallerRejected(t *testing.T) {
	f := newFixture(t)
	f.shortTrade(t, 100)

	stranger := common.HexToAddress("0x8888888888888888888888888888888888888888")
	_, err := f.vault.Repay(uuid.New(), stranger, cp,
		[]auth.PositionUpdate{{Asset: asset, Delta: 40}}, at(time.Minute))
	if !errors.Is(err, core.ErrOnlyTrader) {
		t.Fatalf("expected ErrOnlyTrader, got %v", err)
	}
}

// ============================================================================
// Liquidation
// ============================================================================

var (
	liquidator   = common.HexToAddress("0xaaaaAAAaAAAAaaaAaAAAaaAAaAaaaAAAAAAaAAaA")
	liqRecipient = common.HexToAddress("0xBbbBBbbBbbbBBbBbbbBbBBbbBBbBbBbBBBbBbbbB")
)

func (f *fixture) enableLiquidator(t *testing.T) {
	t.Helper()
	if _, err := f.vault.SetLiquidator(uuid.New(), owner, state.LiquidatorConfig{
		Liquidator: liquidator,
		Recipient:  liqRecipient,
		Enabled:    true,
	}, at(0)); err != nil {
		t.Fatalf("set liquidator: %v", err)
	}
}

func TestLiquidate_ClosesAndClaimsToLiquidatorRecipient(t *testing.T) {
	f := newFixture(t)
	f.enableLiquidator(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	req := &auth.LiquidationRequest{
		Nonce:            1,
		Deadline:         at(time.Minute).Unix() + 60,
		Counterparty:     cp,
		Updates:          []auth.PositionUpdate{{Asset: asset, Delta: -40}},
		ClaimCollaterals: []auth.TokenAmount{{Asset: asset, Amount: 50}},
	}
	digest := f.domain.LiquidationDigest(req, liqRecipient)
	applied, err := f.vault.Liquidate(uuid.New(), liquidator, req, f.sign(digest), at(time.Minute))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if got := f.vault.PositionOf(cp, asset); got != 60 {
		t.Errorf("expected position 60, got %d", got)
	}
	if got := f.vault.CollateralOf(cp, asset); got != 950 {
		t.Errorf("expected collateral 950, got %d", got)
	}
	// Both the position payout and the claimed collateral route to the
	// liquidator's pinned recipient.
	if got := f.bank.BalanceOf(liqRecipient, asset); got != 90 {
		t.Errorf("expected liquidator recipient paid 90, got %d", got)
	}
	if applied.Recipient != liqRecipient {
		t.Errorf("payout must pin the liquidator recipient, got %s", applied.Recipient.Hex())
	}
}

func TestLiquidate_FlipAttemptRejected(t *testing.T) {
	f := newFixture(t)
	f.enableLiquidator(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	req := &auth.LiquidationRequest{
		Nonce:        1,
		Deadline:     at(time.Minute).Unix() + 60,
		Counterparty: cp,
		Updates:      []auth.PositionUpdate{{Asset: asset, Delta: -150}},
	}
	digest := f.domain.LiquidationDigest(req, liqRecipient)
	_, err := f.vault.Liquidate(uuid.New(), liquidator, req, f.sign(digest), at(time.Minute))
	if !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Fatalf("expected ErrInvalidPositionUpdateAmount, got %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("rejected liquidation must not move the position, got %d", got)
	}
}

func TestLiquidate_UnknownLiquidatorRejected(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	req := &auth.LiquidationRequest{
		Nonce:        1,
		Deadline:     at(time.Minute).Unix() + 60,
		Counterparty: cp,
		Updates:      []auth.PositionUpdate{{Asset: asset, Delta: -40}},
	}
	digest := f.domain.LiquidationDigest(req, liqRecipient)
	_, err := f.vault.Liquidate(uuid.New(), liquidator, req, f.sign(digest), at(time.Minute))
	if !errors.Is(err, state.ErrUnknownLiquidator) {
		t.Fatalf("expected ErrUnknownLiquidator, got %v", err)
	}
}

// ============================================================================
// Collateral and the rebalance limiter
// ============================================================================

func (f *fixture) removeCollateral(nonce uint64, amount int64, now time.Time) (*event.CollateralRemoved, error) {
	req := &auth.RemoveCollateralRequest{
		Nonce:        nonce,
		Deadline:     now.Unix() + 60,
		Counterparty: cp,
		Tokens:       []auth.TokenAmount{{Asset: asset, Amount: amount}},
	}
	digest := f.domain.RemoveCollateralDigest(req, recipient)
	return f.vault.RemoveCollateral(uuid.New(), settler, req, f.sign(digest), now)
}

func TestRemoveCollateral_LimiterBlocksAboveCap(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)

	if _, err := f.vault.SetRebalanceCap(uuid.New(), owner, cp, asset, 300, at(0)); err != nil {
		t.Fatalf("set cap: %v", err)
	}

	_, err := f.removeCollateral(1, 400, at(time.Minute))
	if !errors.Is(err, limiter.ErrRebalanceLimitExceeded) {
		t.Fatalf("expected ErrRebalanceLimitExceeded, got %v", err)
	}
	if got := f.vault.CollateralOf(cp, asset); got != 1_000 {
		t.Errorf("blocked withdrawal must not debit collateral, got %d", got)
	}

	// Within the cap the same nonce succeeds: the blocked attempt rolled its
	// nonce consumption back.
	if _, err := f.removeCollateral(1, 300, at(2 * time.Minute)); err != nil {
		t.Fatalf("withdrawal within cap: %v", err)
	}
	if got := f.bank.BalanceOf(recipient, asset); got != 300 {
		t.Errorf("expected recipient paid 300, got %d", got)
	}
}

func TestRemoveCollateral_QuotaResetsNextDay(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)

	if _, err := f.vault.SetRebalanceCap(uuid.New(), owner, cp, asset, 300, at(0)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if _, err := f.removeCollateral(1, 300, at(time.Minute)); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}

	// Quota exhausted for today.
	if _, err := f.removeCollateral(2, 1, at(2 * time.Minute)); !errors.Is(err, limiter.ErrRebalanceLimitExceeded) {
		t.Fatalf("expected quota exhausted, got %v", err)
	}

	// A day later the quota resets.
	if _, err := f.removeCollateral(3, 300, at(25 * time.Hour)); err != nil {
		t.Fatalf("withdrawal after reset: %v", err)
	}
}

// ============================================================================
// Epoch funding
// ============================================================================

func (f *fixture) seedPool(t *testing.T, amount int64) {
	t.Helper()
	f.bank.Fund(lp, asset, amount)
	if _, err := f.vault.Deposit(uuid.New(), lp, lp, asset, amount, at(0)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func TestSettleEpoch_AppliesFeesReserveAndYield(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	f.trade(t, 100, 0)

	entries := []event.EpochEntry{
		{Counterparty: cp, Asset: asset, FundingFee: 5, ReserveFee: 3},
	}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(time.Minute)); err != nil {
		t.Fatalf("settle epoch: %v", err)
	}

	if got := f.vault.PositionOf(cp, asset); got != 108 {
		t.Errorf("expected position 100+5+3=108, got %d", got)
	}
	if got := f.vault.ReserveOf(asset); got != 3 {
		t.Errorf("expected reserve 3, got %d", got)
	}
	// The funding fee reaches the pool as yield.
	view, err := f.vault.PoolView(asset)
	if err != nil {
		t.Fatalf("pool view: %v", err)
	}
	if view.TotalUnderlying != 10_005 {
		t.Errorf("expected pool underlying 10005, got %d", view.TotalUnderlying)
	}
}

func TestSettleEpoch_CooldownPerCounterparty(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	f.trade(t, 100, 0)

	entries := []event.EpochEntry{{Counterparty: cp, Asset: asset, FundingFee: 5}}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(time.Minute)); err != nil {
		t.Fatalf("first epoch: %v", err)
	}

	_, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(30*time.Minute))
	if !errors.Is(err, state.ErrEpochUpdateInCoolDown) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}

	// Past the interval the next settlement applies.
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(2*time.Hour)); err != nil {
		t.Fatalf("epoch after interval: %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 110 {
		t.Errorf("expected position 110, got %d", got)
	}
}

func TestSettleEpoch_BatchIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	f.trade(t, 100, 0)

	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	entries := []event.EpochEntry{
		{Counterparty: cp, Asset: asset, FundingFee: 5},
		{Counterparty: unknown, Asset: asset, FundingFee: 1},
	}
	_, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(time.Minute))
	if !errors.Is(err, state.ErrUnknownCounterparty) {
		t.Fatalf("expected ErrUnknownCounterparty, got %v", err)
	}

	// Nothing from the first entry may survive, including the epoch advance.
	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("failed batch must not debit fees, position=%d", got)
	}
	valid := []event.EpochEntry{{Counterparty: cp, Asset: asset, FundingFee: 5}}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, valid, at(2*time.Minute)); err != nil {
		t.Fatalf("epoch advance must have rolled back with the batch: %v", err)
	}
}

func TestSettleEpoch_RateStepBreachAbortsBatch(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	f.trade(t, 100, 0)

	// The first entry applies cleanly; the second's funding fee would raise
	// the exchange rate past the step bound and must take the whole batch
	// down with it.
	entries := []event.EpochEntry{
		{Counterparty: cp, Asset: asset, FundingFee: 5, ReserveFee: 3},
		{Counterparty: cp, Asset: asset, FundingFee: 20_000},
	}
	_, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(time.Minute))
	if !errors.Is(err, pool.ErrExchangeRateIncreaseTooMuch) {
		t.Fatalf("expected ErrExchangeRateIncreaseTooMuch, got %v", err)
	}

	if got := f.vault.PositionOf(cp, asset); got != 100 {
		t.Errorf("failed batch must not debit fees, position=%d", got)
	}
	if got := f.vault.ReserveOf(asset); got != 0 {
		t.Errorf("failed batch must not accrue reserve, got %d", got)
	}
	view, _ := f.vault.PoolView(asset)
	if view.TotalUnderlying != 10_000 {
		t.Errorf("failed batch must not distribute yield, underlying=%d", view.TotalUnderlying)
	}

	// The epoch stamp rolled back too: the same counterparty settles again
	// without waiting out the interval.
	valid := []event.EpochEntry{{Counterparty: cp, Asset: asset, FundingFee: 5, ReserveFee: 3}}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, valid, at(2*time.Minute)); err != nil {
		t.Fatalf("epoch advance must have rolled back with the batch: %v", err)
	}
	if got := f.vault.PositionOf(cp, asset); got != 108 {
		t.Errorf("expected position 108 after the clean batch, got %d", got)
	}
}

func TestSettleEpoch_RequiresRole(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	f.trade(t, 100, 0)

	keeper := common.HexToAddress("0x4444444444444444444444444444444444444444")
	entries := []event.EpochEntry{{Counterparty: cp, Asset: asset, FundingFee: 5}}

	_, err := f.vault.SettleEpoch(uuid.New(), keeper, entries, at(time.Minute))
	if !errors.Is(err, state.ErrUnauthorizedRole) {
		t.Fatalf("expected ErrUnauthorizedRole, got %v", err)
	}

	if _, err := f.vault.GrantRole(uuid.New(), owner, state.RoleEpochSettler, keeper, at(time.Minute)); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if _, err := f.vault.SettleEpoch(uuid.New(), keeper, entries, at(2*time.Minute)); err != nil {
		t.Fatalf("settle with granted role: %v", err)
	}
}

func TestWithdrawReserve_RequiresFeeWithdrawRole(t *testing.T) {
	f := newFixture(t)
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	entries := []event.EpochEntry{{Counterparty: cp, Asset: asset, ReserveFee: 3}}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(time.Minute)); err != nil {
		t.Fatalf("settle epoch: %v", err)
	}

	treasurer := common.HexToAddress("0xcccCcCCcCCCCcCCCcCcccCcccCccCcccCcCCCCCc")
	dest := common.HexToAddress("0xdddDDDdDdDDDDdddDdDddDDdDDDDDdddddDdDDdd")

	_, err := f.vault.WithdrawReserve(uuid.New(), treasurer, dest, asset, 3, at(2*time.Minute))
	if !errors.Is(err, state.ErrUnauthorizedRole) {
		t.Fatalf("expected ErrUnauthorizedRole, got %v", err)
	}

	if _, err := f.vault.GrantRole(uuid.New(), owner, state.RoleFeeWithdraw, treasurer, at(2*time.Minute)); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if _, err := f.vault.WithdrawReserve(uuid.New(), treasurer, dest, asset, 3, at(3*time.Minute)); err != nil {
		t.Fatalf("withdraw reserve: %v", err)
	}
	if got := f.vault.ReserveOf(asset); got != 0 {
		t.Errorf("expected reserve drained, got %d", got)
	}
	if got := f.bank.BalanceOf(dest, asset); got != 3 {
		t.Errorf("expected recipient paid 3, got %d", got)
	}
}

func TestDistributeYield_RateStepBound(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)

	// 10_000 bips allows at most a 100% rate increase in one distribution.
	_, err := f.vault.DistributeYield(uuid.New(), owner, asset, 20_000, at(time.Minute))
	if !errors.Is(err, pool.ErrExchangeRateIncreaseTooMuch) {
		t.Fatalf("expected rate-step rejection, got %v", err)
	}

	if _, err := f.vault.DistributeYield(uuid.New(), owner, asset, 500, at(time.Minute)); err != nil {
		t.Fatalf("bounded yield: %v", err)
	}
	view, _ := f.vault.PoolView(asset)
	if view.TotalUnderlying != 10_500 {
		t.Errorf("expected underlying 10500, got %d", view.TotalUnderlying)
	}
}

// ============================================================================
// Share pool lifecycle
// ============================================================================

func TestPoolDepositRedeem_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.bank.Fund(lp, asset, 10_000)

	dep, err := f.vault.Deposit(uuid.New(), lp, lp, asset, 10_000, at(0))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// First deposit locks the minimum share amount in the burn sink.
	if dep.Shares != 9_900 {
		t.Errorf("expected 9900 shares after lock, got %d", dep.Shares)
	}

	red, err := f.vault.Redeem(uuid.New(), lp, lp, asset, 9_900, at(time.Minute))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if red.Net != 9_900 || red.Fee != 0 {
		t.Errorf("expected net 9900 fee 0, got net=%d fee=%d", red.Net, red.Fee)
	}
	if got := f.bank.BalanceOf(lp, asset); got != 9_900 {
		t.Errorf("expected holder paid 9900, got %d", got)
	}

	view, _ := f.vault.PoolView(asset)
	if view.TotalShares != 100 || view.TotalUnderlying != 100 {
		t.Errorf("expected locked remainder 100/100, got shares=%d underlying=%d",
			view.TotalShares, view.TotalUnderlying)
	}
}

func TestPoolDeposit_MintsToThirdPartyRecipient(t *testing.T) {
	f := newFixture(t)
	beneficiary := common.HexToAddress("0xeEeE000000000000000000000000000000000001")
	f.bank.Fund(lp, asset, 10_000)

	dep, err := f.vault.Deposit(uuid.New(), lp, beneficiary, asset, 10_000, at(0))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.Shares != 9_900 {
		t.Errorf("expected 9900 shares after lock, got %d", dep.Shares)
	}
	if got := f.bank.BalanceOf(lp, asset); got != 0 {
		t.Errorf("funds must come from the depositor, lp still has %d", got)
	}

	// The depositor holds no claim; only the beneficiary can redeem.
	if _, err := f.vault.Redeem(uuid.New(), lp, lp, asset, 9_900, at(time.Minute)); !errors.Is(err, pool.ErrInsufficientShares) {
		t.Errorf("depositor must hold no shares, got %v", err)
	}
	red, err := f.vault.Redeem(uuid.New(), beneficiary, beneficiary, asset, 9_900, at(time.Minute))
	if err != nil {
		t.Fatalf("beneficiary redeem: %v", err)
	}
	if got := f.bank.BalanceOf(beneficiary, asset); got != red.Net {
		t.Errorf("expected beneficiary paid %d, got %d", red.Net, got)
	}
}

func TestPoolRedeem_PaysThirdPartyRecipient(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)
	payee := common.HexToAddress("0xeEeE000000000000000000000000000000000002")

	red, err := f.vault.Redeem(uuid.New(), lp, payee, asset, 9_900, at(time.Minute))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got := f.bank.BalanceOf(payee, asset); got != red.Net {
		t.Errorf("expected payee paid %d, got %d", red.Net, got)
	}
	if got := f.bank.BalanceOf(lp, asset); got != 0 {
		t.Errorf("holder must not be paid on a directed redeem, has %d", got)
	}
}

func TestPoolDeposit_ZeroRecipientRejected(t *testing.T) {
	f := newFixture(t)
	f.bank.Fund(lp, asset, 10_000)

	if _, err := f.vault.Deposit(uuid.New(), lp, common.Address{}, asset, 10_000, at(0)); !errors.Is(err, pool.ErrInvalidTransferParty) {
		t.Errorf("expected ErrInvalidTransferParty, got %v", err)
	}
	if got := f.bank.BalanceOf(lp, asset); got != 10_000 {
		t.Errorf("rejected deposit must not move funds, lp has %d", got)
	}
}

func TestPoolYield_RaisesRedemptionValue(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, 10_000)

	if _, err := f.vault.DistributeYield(uuid.New(), owner, asset, 100, at(time.Minute)); err != nil {
		t.Fatalf("yield: %v", err)
	}

	// 10_100 underlying over 10_000 shares: 9_900 shares now redeem at a
	// premium.
	red, err := f.vault.Redeem(uuid.New(), lp, lp, asset, 9_900, at(2*time.Minute))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if red.Gross != 9_999 {
		t.Errorf("expected gross 9999 after yield, got %d", red.Gross)
	}
}

// ============================================================================
// Replay determinism and snapshots
// ============================================================================

// runScenario drives a representative mix of operations and returns the
// emitted outputs in order.
func runScenario(t *testing.T, f *fixture) []core.Output {
	t.Helper()
	f.bank.Fund(lp, asset, 10_000)
	if _, err := f.vault.Deposit(uuid.New(), lp, lp, asset, 10_000, at(0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)
	if _, err := f.settle(1, -40, at(time.Minute)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	entries := []event.EpochEntry{{Counterparty: cp, Asset: asset, FundingFee: 5, ReserveFee: 3}}
	if _, err := f.vault.SettleEpoch(uuid.New(), owner, entries, at(2*time.Minute)); err != nil {
		t.Fatalf("epoch: %v", err)
	}
	return drainOutputs(f.persistCh)
}

func TestHashChain_LinksConsecutiveEnvelopes(t *testing.T) {
	f := newFixture(t)
	outputs := runScenario(t, f)

	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Envelope, outputs[i].Envelope
		if cur.Sequence != prev.Sequence+1 {
			t.Errorf("sequence break at %d: %d then %d", i, prev.Sequence, cur.Sequence)
		}
		if cur.PrevHash != prev.StateHash {
			t.Errorf("hash chain break at sequence %d", cur.Sequence)
		}
	}
}

func TestReplay_ReproducesState(t *testing.T) {
	f := newFixture(t)

	// A second vault with identical configuration but no bootstrap: every
	// envelope, including the admin ones, replays from sequence zero.
	replayCh := make(chan core.Output, 1024)
	replica := core.NewVault(
		core.VaultConfig{
			Owner:         owner,
			Domain:        f.domain,
			EpochInterval: time.Hour,
			PoolParams: pool.Params{
				MinDeposit:      1_000,
				MinShareLock:    100,
				MaxRateStepBips: 10_000,
			},
			IdempotencyCapacity: 1024,
		},
		core.NewInMemoryBank(), replayCh, nil, nil, nil, zerolog.Nop(),
	)

	outputs := runScenario(t, f)
	for _, out := range outputs {
		if err := replica.Replay(out.Envelope); err != nil {
			t.Fatalf("replay sequence %d: %v", out.Envelope.Sequence, err)
		}
	}

	if replica.Sequence() != f.vault.Sequence() {
		t.Errorf("sequence mismatch: %d vs %d", replica.Sequence(), f.vault.Sequence())
	}
	if replica.StateHash() != f.vault.StateHash() {
		t.Error("state hash mismatch after replay")
	}
	if replica.PositionOf(cp, asset) != f.vault.PositionOf(cp, asset) {
		t.Errorf("position mismatch: %d vs %d", replica.PositionOf(cp, asset), f.vault.PositionOf(cp, asset))
	}
	if replica.ReserveOf(asset) != f.vault.ReserveOf(asset) {
		t.Errorf("reserve mismatch: %d vs %d", replica.ReserveOf(asset), f.vault.ReserveOf(asset))
	}
	want, _ := f.vault.PoolView(asset)
	got, err := replica.PoolView(asset)
	if err != nil {
		t.Fatalf("replica pool view: %v", err)
	}
	if got.TotalUnderlying != want.TotalUnderlying || got.TotalShares != want.TotalShares {
		t.Errorf("pool mismatch: %+v vs %+v", got, want)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newFixture(t)
	dupID := uuid.New()
	f.bank.Fund(lp, asset, 10_000)
	if _, err := f.vault.Deposit(dupID, lp, lp, asset, 10_000, at(0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.fundCustody(t, 1_000)
	f.trade(t, 100, 0)

	snap := f.vault.CreateSnapshotState()
	if snap.Sequence != f.vault.Sequence()-1 {
		t.Errorf("snapshot sequence %d, vault next %d", snap.Sequence, f.vault.Sequence())
	}

	restored := core.NewVault(
		core.VaultConfig{
			Owner:         owner,
			Domain:        f.domain,
			EpochInterval: time.Hour,
			PoolParams:    pool.Params{MinDeposit: 1_000, MinShareLock: 100, MaxRateStepBips: 10_000},
		},
		core.NewInMemoryBank(), nil, nil, nil, nil, zerolog.Nop(),
	)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Sequence() != f.vault.Sequence() {
		t.Errorf("sequence mismatch: %d vs %d", restored.Sequence(), f.vault.Sequence())
	}
	if restored.StateHash() != f.vault.StateHash() {
		t.Error("state hash mismatch after restore")
	}
	if got := restored.PositionOf(cp, asset); got != 100 {
		t.Errorf("expected restored position 100, got %d", got)
	}
	if got := restored.CollateralOf(cp, asset); got != 1_000 {
		t.Errorf("expected restored collateral 1000, got %d", got)
	}

	// Recent idempotency keys travel with the snapshot: the original deposit
	// request must still be rejected as a duplicate.
	_, err := restored.Deposit(dupID, lp, lp, asset, 10_000, at(time.Minute))
	if !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest after restore, got %v", err)
	}
}
