// Package pool implements the yield-bearing share pools backing the credit
// ledger: share/underlying conversion, the first-deposit minimum-share lock,
// cooldown and early-exit fees, and bounded yield distribution.
package pool

import (
	"fmt"
	"time"

	"creditvault/internal/ledger"
	vmath "creditvault/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrBelowMinimumDeposit         = fmt.Errorf("deposit below minimum")
	ErrZeroAmount                  = fmt.Errorf("zero amount")
	ErrInsufficientShares          = fmt.Errorf("insufficient shares")
	ErrTransferInCooldown          = fmt.Errorf("claim transfer in cooldown")
	ErrNoSharesOutstanding         = fmt.Errorf("no shares outstanding")
	ErrExchangeRateIncreaseTooMuch = fmt.Errorf("exchange rate increase too much")
	ErrFeeRateOutOfBounds          = fmt.Errorf("fee rate out of bounds")
	ErrInvalidTransferParty        = fmt.Errorf("invalid transfer party")
)

// BurnSink receives the permanent minimum-share lock minted on a pool's
// first deposit. Shares held here are never redeemable.
var BurnSink = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// MaxExitFeeBips bounds the configurable early-exit fee (10%).
const MaxExitFeeBips int64 = 1_000

// Params configures one share pool.
type Params struct {
	MinDeposit      int64         `json:"minDeposit"`
	MinShareLock    int64         `json:"minShareLock"`
	Cooldown        time.Duration `json:"cooldown"`
	ExitFeeBips     int64         `json:"exitFeeBips"`
	MaxRateStepBips int64         `json:"maxRateStepBips"` // single-distribution rate-step bound
}

// SharePool is one per-asset yield-bearing pool. All mutation goes through
// the vault core under its per-operation transaction; the pool itself holds
// pure accounting state.
type SharePool struct {
	asset           string
	params          Params
	totalUnderlying int64
	totalShares     int64
	shares          map[common.Address]int64
	lastDeposit     map[common.Address]int64 // unix seconds
	feeExempt       map[common.Address]bool
	accruedExitFees int64
}

func NewSharePool(asset string, params Params) *SharePool {
	return &SharePool{
		asset:       asset,
		params:      params,
		shares:      make(map[common.Address]int64),
		lastDeposit: make(map[common.Address]int64),
		feeExempt:   make(map[common.Address]bool),
	}
}

func (p *SharePool) Asset() string          { return p.asset }
func (p *SharePool) Params() Params         { return p.params }
func (p *SharePool) TotalUnderlying() int64 { return p.totalUnderlying }
func (p *SharePool) TotalShares() int64     { return p.totalShares }
func (p *SharePool) AccruedExitFees() int64 { return p.accruedExitFees }

func (p *SharePool) SharesOf(holder common.Address) int64 {
	return p.shares[holder]
}

func (p *SharePool) LastDepositOf(holder common.Address) int64 {
	return p.lastDeposit[holder]
}

func (p *SharePool) IsFeeExempt(holder common.Address) bool {
	return p.feeExempt[holder]
}

// ExchangeRate returns the underlying value of one share, scaled by
// math.RateScale. An empty pool has the identity rate.
func (p *SharePool) ExchangeRate() (int64, error) {
	if p.totalShares == 0 {
		return vmath.RateScale, nil
	}
	return vmath.MulDiv(p.totalUnderlying, vmath.RateScale, p.totalShares)
}

// SharesForUnderlying converts an underlying amount to shares at the current
// rate, truncating. Identity on an empty pool.
func (p *SharePool) SharesForUnderlying(amount int64) (int64, error) {
	if p.totalShares == 0 {
		return amount, nil
	}
	return vmath.MulDiv(amount, p.totalShares, p.totalUnderlying)
}

// UnderlyingForShares converts shares to underlying at the current rate.
func (p *SharePool) UnderlyingForShares(shares int64) (int64, error) {
	if p.totalShares == 0 {
		return shares, nil
	}
	return vmath.MulDiv(shares, p.totalUnderlying, p.totalShares)
}

// --- mutation helpers, all undo-logged ---

func (p *SharePool) setShares(tx *ledger.Txn, holder common.Address, v int64) {
	prev, had := p.shares[holder]
	tx.Record(func() {
		if had {
			p.shares[holder] = prev
		} else {
			delete(p.shares, holder)
		}
	})
	p.shares[holder] = v
}

func (p *SharePool) setTotals(tx *ledger.Txn, underlying, shares int64) {
	prevU, prevS := p.totalUnderlying, p.totalShares
	tx.Record(func() { p.totalUnderlying, p.totalShares = prevU, prevS })
	p.totalUnderlying, p.totalShares = underlying, shares
}

func (p *SharePool) setLastDeposit(tx *ledger.Txn, holder common.Address, now int64) {
	prev, had := p.lastDeposit[holder]
	tx.Record(func() {
		if had {
			p.lastDeposit[holder] = prev
		} else {
			delete(p.lastDeposit, holder)
		}
	})
	p.lastDeposit[holder] = now
}

// Deposit mints shares for an already-collected underlying amount. The
// caller passes the amount actually received by custody, not the requested
// amount, so fee-on-transfer assets mint only what arrived. On the pool's
// first deposit the fixed minimum-share lock is minted to the burn sink and
// the depositor is credited the remainder.
// Returns the shares credited to the recipient.
func (p *SharePool) Deposit(tx *ledger.Txn, to common.Address, received int64, now time.Time) (int64, error) {
	if received < p.params.MinDeposit {
		return 0, fmt.Errorf("%w: received=%d min=%d (%s)", ErrBelowMinimumDeposit, received, p.params.MinDeposit, p.asset)
	}

	var minted, locked int64
	if p.totalShares == 0 {
		if received < p.params.MinShareLock {
			return 0, fmt.Errorf("%w: first deposit %d under share lock %d (%s)",
				ErrBelowMinimumDeposit, received, p.params.MinShareLock, p.asset)
		}
		locked = p.params.MinShareLock
		minted = received - locked
		p.setShares(tx, BurnSink, p.shares[BurnSink]+locked)
	} else {
		var err error
		minted, err = vmath.MulDiv(received, p.totalShares, p.totalUnderlying)
		if err != nil {
			return 0, err
		}
		if minted <= 0 {
			return 0, fmt.Errorf("%w: deposit of %d mints no shares (%s)", ErrZeroAmount, received, p.asset)
		}
	}

	if minted > 0 {
		p.setShares(tx, to, p.shares[to]+minted)
	}
	p.setTotals(tx, p.totalUnderlying+received, p.totalShares+minted+locked)
	p.setLastDeposit(tx, to, now.Unix())

	return minted, nil
}

// RedeemQuote is the precomputed outcome of a redemption.
type RedeemQuote struct {
	Gross int64
	Fee   int64
	Net   int64
}

// PreviewRedeem computes the gross payout, any early-exit fee, and the net
// payout for burning sharesToBurn, without mutating the pool. Shares burned
// always correspond to the gross amount; the fee is withheld from the payout
// only.
func (p *SharePool) PreviewRedeem(holder common.Address, sharesToBurn int64, now time.Time) (RedeemQuote, error) {
	if sharesToBurn <= 0 {
		return RedeemQuote{}, fmt.Errorf("%w: sharesToBurn=%d", ErrZeroAmount, sharesToBurn)
	}
	held := p.shares[holder]
	if sharesToBurn > held {
		return RedeemQuote{}, fmt.Errorf("%w: have=%d want=%d (%s)", ErrInsufficientShares, held, sharesToBurn, p.asset)
	}
	if p.totalShares == 0 {
		return RedeemQuote{}, ErrNoSharesOutstanding
	}

	gross, err := vmath.MulDiv(sharesToBurn, p.totalUnderlying, p.totalShares)
	if err != nil {
		return RedeemQuote{}, err
	}

	var fee int64
	if p.inCooldown(holder, now) && p.params.ExitFeeBips > 0 && !p.feeExempt[holder] {
		fee, err = vmath.BipsOf(gross, p.params.ExitFeeBips)
		if err != nil {
			return RedeemQuote{}, err
		}
	}

	return RedeemQuote{Gross: gross, Fee: fee, Net: gross - fee}, nil
}

// Redeem burns shares per a quote previously produced by PreviewRedeem in
// the same operation. The fee accrues to the claimable early-fee balance.
func (p *SharePool) Redeem(tx *ledger.Txn, holder common.Address, sharesToBurn int64, q RedeemQuote) error {
	held := p.shares[holder]
	if sharesToBurn > held {
		return fmt.Errorf("%w: have=%d want=%d (%s)", ErrInsufficientShares, held, sharesToBurn, p.asset)
	}

	p.setShares(tx, holder, held-sharesToBurn)
	p.setTotals(tx, p.totalUnderlying-q.Gross, p.totalShares-sharesToBurn)

	if q.Fee > 0 {
		prev := p.accruedExitFees
		tx.Record(func() { p.accruedExitFees = prev })
		p.accruedExitFees += q.Fee
	}
	return nil
}

// TransferClaim moves the share-equivalent of an underlying amount between
// holders. Redeeming is allowed during cooldown; transferring claims is not.
func (p *SharePool) TransferClaim(tx *ledger.Txn, from, to common.Address, amount int64, now time.Time) (int64, error) {
	zero := common.Address{}
	if from == zero || to == zero {
		return 0, fmt.Errorf("%w: zero address", ErrInvalidTransferParty)
	}
	if from == to {
		return 0, fmt.Errorf("%w: self transfer", ErrInvalidTransferParty)
	}
	if to == BurnSink {
		return 0, fmt.Errorf("%w: burn sink", ErrInvalidTransferParty)
	}
	if p.inCooldown(from, now) && !p.feeExempt[from] {
		return 0, fmt.Errorf("%w: holder %s", ErrTransferInCooldown, from.Hex())
	}

	shares, err := p.SharesForUnderlying(amount)
	if err != nil {
		return 0, err
	}
	if shares <= 0 {
		return 0, fmt.Errorf("%w: amount %d converts to no shares", ErrZeroAmount, amount)
	}
	held := p.shares[from]
	if shares > held {
		return 0, fmt.Errorf("%w: have=%d want=%d (%s)", ErrInsufficientShares, held, shares, p.asset)
	}

	p.setShares(tx, from, held-shares)
	p.setShares(tx, to, p.shares[to]+shares)
	return shares, nil
}

// DistributeYield adds underlying without minting shares, raising the
// exchange rate. A single distribution may not raise the rate by more than
// the configured step bound over its pre-event value; breaching the bound is
// a hard failure.
func (p *SharePool) DistributeYield(tx *ledger.Txn, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: yield=%d", ErrZeroAmount, amount)
	}
	if p.totalShares == 0 {
		return fmt.Errorf("%w (%s)", ErrNoSharesOutstanding, p.asset)
	}

	// rate increase fraction == amount / totalUnderlying; compare against the
	// step bound without division.
	if vmath.CmpMul(amount, vmath.BipsDenominator, p.totalUnderlying, p.params.MaxRateStepBips) > 0 {
		return fmt.Errorf("%w: yield=%d underlying=%d step=%dbips (%s)",
			ErrExchangeRateIncreaseTooMuch, amount, p.totalUnderlying, p.params.MaxRateStepBips, p.asset)
	}

	p.setTotals(tx, p.totalUnderlying+amount, p.totalShares)
	return nil
}

// SetExitFee replaces the early-exit fee rate, bounded by MaxExitFeeBips.
func (p *SharePool) SetExitFee(tx *ledger.Txn, bips int64) error {
	if bips < 0 || bips > MaxExitFeeBips {
		return fmt.Errorf("%w: %d bips (max %d)", ErrFeeRateOutOfBounds, bips, MaxExitFeeBips)
	}
	prev := p.params.ExitFeeBips
	tx.Record(func() { p.params.ExitFeeBips = prev })
	p.params.ExitFeeBips = bips
	return nil
}

// SetFeeExempt marks a holder exempt from cooldown fees and transfer locks.
func (p *SharePool) SetFeeExempt(tx *ledger.Txn, holder common.Address, exempt bool) {
	prev, had := p.feeExempt[holder]
	tx.Record(func() {
		if had {
			p.feeExempt[holder] = prev
		} else {
			delete(p.feeExempt, holder)
		}
	})
	p.feeExempt[holder] = exempt
}

// WithdrawExitFees removes up to the accrued early-exit fee balance.
func (p *SharePool) WithdrawExitFees(tx *ledger.Txn, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrZeroAmount, amount)
	}
	if amount > p.accruedExitFees {
		return fmt.Errorf("%w: accrued=%d want=%d", ErrInsufficientShares, p.accruedExitFees, amount)
	}
	prev := p.accruedExitFees
	tx.Record(func() { p.accruedExitFees = prev })
	p.accruedExitFees -= amount
	return nil
}

func (p *SharePool) inCooldown(holder common.Address, now time.Time) bool {
	last, ok := p.lastDeposit[holder]
	if !ok {
		return false
	}
	return now.Unix() < last+int64(p.params.Cooldown/time.Second)
}

// Snapshot captures the pool state for persistence.
type Snapshot struct {
	Asset           string                   `json:"asset"`
	Params          Params                   `json:"params"`
	TotalUnderlying int64                    `json:"totalUnderlying"`
	TotalShares     int64                    `json:"totalShares"`
	Shares          map[common.Address]int64 `json:"shares"`
	LastDeposit     map[common.Address]int64 `json:"lastDeposit"`
	FeeExempt       map[common.Address]bool  `json:"feeExempt"`
	AccruedExitFees int64                    `json:"accruedExitFees"`
}

func (p *SharePool) Snapshot() Snapshot {
	snap := Snapshot{
		Asset:           p.asset,
		Params:          p.params,
		TotalUnderlying: p.totalUnderlying,
		TotalShares:     p.totalShares,
		Shares:          make(map[common.Address]int64, len(p.shares)),
		LastDeposit:     make(map[common.Address]int64, len(p.lastDeposit)),
		FeeExempt:       make(map[common.Address]bool, len(p.feeExempt)),
		AccruedExitFees: p.accruedExitFees,
	}
	for k, v := range p.shares {
		snap.Shares[k] = v
	}
	for k, v := range p.lastDeposit {
		snap.LastDeposit[k] = v
	}
	for k, v := range p.feeExempt {
		snap.FeeExempt[k] = v
	}
	return snap
}

// FromSnapshot rebuilds a pool from a persisted snapshot.
func FromSnapshot(snap Snapshot) *SharePool {
	p := NewSharePool(snap.Asset, snap.Params)
	p.totalUnderlying = snap.TotalUnderlying
	p.totalShares = snap.TotalShares
	p.accruedExitFees = snap.AccruedExitFees
	for k, v := range snap.Shares {
		p.shares[k] = v
	}
	for k, v := range snap.LastDeposit {
		p.lastDeposit[k] = v
	}
	for k, v := range snap.FeeExempt {
		p.feeExempt[k] = v
	}
	return p
}
