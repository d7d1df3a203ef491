package core

import (
	"fmt"
	"time"

	"creditvault/internal/auth"
	"creditvault/internal/event"
	"creditvault/internal/ledger"
	vmath "creditvault/internal/math"
	"creditvault/internal/pool"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ProcessTrade applies a venue position open or adjustment. This is the only
// path that may enlarge exposure or flip a position's sign, so the reporting
// venue address must hold the venue role. Venue deliveries are deduplicated
// and sequence-checked per the feed partition.
func (v *Vault) ProcessTrade(t *event.TradeOpen) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	isDup := v.idempotency.IsDuplicate(t.EventType().String(), t.IdempotencyKey())
	if err := v.seqValidator.ValidateSequence("venue", t.VenueSequence, isDup); err != nil {
		return err
	}
	if isDup {
		if v.metrics != nil {
			v.metrics.CoreEventsRejected.WithLabelValues(t.EventType().String(), "duplicate").Inc()
		}
		return nil
	}

	v.opNow = t.Timestamp
	tx := ledger.NewTxn()

	if err := v.registry.RequireRole(state.RoleVenue, t.Venue); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := v.registry.Counterparty(t.Counterparty); err != nil {
		tx.Rollback()
		return err
	}
	if err := v.registry.RequireAsset(t.AssetOut); err != nil {
		tx.Rollback()
		return err
	}
	if t.AmountIn > 0 {
		if err := v.registry.RequireAsset(t.AssetIn); err != nil {
			tx.Rollback()
			return err
		}
	}
	if t.AmountOut <= 0 || t.AmountIn < 0 {
		tx.Rollback()
		return fmt.Errorf("%w: out=%d in=%d", ledger.ErrInvalidPositionUpdateAmount, t.AmountOut, t.AmountIn)
	}

	outKey := ledger.PositionKey{Counterparty: t.Counterparty, Asset: t.AssetOut}
	if _, err := v.positions.Adjust(tx, outKey, t.AmountOut); err != nil {
		tx.Rollback()
		return err
	}
	if t.AmountIn > 0 {
		inKey := ledger.PositionKey{Counterparty: t.Counterparty, Asset: t.AssetIn}
		if _, err := v.positions.Adjust(tx, inKey, -t.AmountIn); err != nil {
			tx.Rollback()
			return err
		}
	}

	batch := ledger.NewBatch(t.IdempotencyKey(), v.sequence, t.Timestamp.UnixMicro())
	batch.Add(ledger.JournalTypeTradeOpen,
		ledger.NewPartyAccountKey(t.Counterparty, ledger.SubTypePosition, t.AssetOut),
		ledger.NewExternalAccountKey(t.AssetOut),
		t.AssetOut, t.AmountOut)
	if t.AmountIn > 0 {
		batch.Add(ledger.JournalTypeTradeOpen,
			ledger.NewExternalAccountKey(t.AssetIn),
			ledger.NewPartyAccountKey(t.Counterparty, ledger.SubTypePosition, t.AssetIn),
			t.AssetIn, t.AmountIn)
	}

	return v.finish(tx, t, batch, start)
}

// Settle applies a signed settlement. Every delta is a closing-only move:
// positive deltas shrink a negative position and collect the amount from the
// caller, negative deltas shrink a positive position and pay the
// counterparty's pinned recipient after the rebalance limiter admits the
// outflow. Only the counterparty or its delegated settler may call.
// Verification order is deadline, nonce, signature; a failure after nonce
// consumption rolls the nonce back.
func (v *Vault) Settle(requestID uuid.UUID, caller common.Address, req *auth.SettlementRequest, sig []byte, now time.Time) (*event.SettlementApplied, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.SettlementApplied{
		RequestID:    requestID,
		Caller:       caller,
		Counterparty: req.Counterparty,
		Nonce:        req.Nonce,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	cfg, err := v.registry.Counterparty(req.Counterparty)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !cfg.AuthorizedCaller(caller) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrOnlyTrader, caller.Hex())
	}
	applied.Recipient = cfg.Recipient

	digest := v.domain.SettlementDigest(req, cfg.Recipient)
	if err := v.verifier.Verify(tx, now, req.Nonce, req.Deadline, digest, sig); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())

	for _, u := range req.Updates {
		if err := v.registry.RequireAsset(u.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}
		key := ledger.PositionKey{Counterparty: req.Counterparty, Asset: u.Asset}

		switch {
		case u.Delta > 0:
			if _, err := v.positions.ApplyClose(tx, key, u.Delta); err != nil {
				tx.Rollback()
				return nil, err
			}
			received, err := v.bank.Collect(tx, caller, u.Asset, u.Delta)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			applied.Collected = append(applied.Collected, event.AssetAmount{Asset: u.Asset, Amount: received})
			batch.Add(ledger.JournalTypeSettlementCollect,
				ledger.NewSystemAccountKey(ledger.SubTypeCustody, u.Asset),
				ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypePosition, u.Asset),
				u.Asset, received)

		case u.Delta < 0:
			amount := -u.Delta
			if _, err := v.positions.ApplyClose(tx, key, u.Delta); err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := v.limiter.CheckAndConsume(tx, req.Counterparty, u.Asset, amount); err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := v.bank.Pay(tx, cfg.Recipient, u.Asset, amount); err != nil {
				tx.Rollback()
				return nil, err
			}
			applied.PaidOut = append(applied.PaidOut, event.AssetAmount{Asset: u.Asset, Amount: amount})
			batch.Add(ledger.JournalTypeSettlementPayout,
				ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypePosition, u.Asset),
				ledger.NewSystemAccountKey(ledger.SubTypeCustody, u.Asset),
				u.Asset, amount)

		default:
			tx.Rollback()
			return nil, fmt.Errorf("%w: zero delta (%s)", ledger.ErrInvalidPositionUpdateAmount, u.Asset)
		}

		applied.Updates = append(applied.Updates, event.PositionDelta{Asset: u.Asset, Delta: u.Delta})
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// Repay applies an unsigned debt repayment by the counterparty or its
// settler. Every delta must be positive and a strict move toward zero on a
// negative position; the full amount is collected from the caller. No
// limiter runs because no tokens leave.
func (v *Vault) Repay(requestID uuid.UUID, caller, counterparty common.Address, updates []auth.PositionUpdate, now time.Time) (*event.RepaymentApplied, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.RepaymentApplied{
		RequestID:    requestID,
		Caller:       caller,
		Counterparty: counterparty,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	cfg, err := v.registry.Counterparty(counterparty)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !cfg.AuthorizedCaller(caller) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrOnlyTrader, caller.Hex())
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())

	for _, u := range updates {
		if u.Delta <= 0 {
			tx.Rollback()
			return nil, fmt.Errorf("%w: repayment delta must be positive, got %d (%s)",
				ledger.ErrInvalidPositionUpdateAmount, u.Delta, u.Asset)
		}
		if err := v.registry.RequireAsset(u.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}

		key := ledger.PositionKey{Counterparty: counterparty, Asset: u.Asset}
		if _, err := v.positions.ApplyClose(tx, key, u.Delta); err != nil {
			tx.Rollback()
			return nil, err
		}
		received, err := v.bank.Collect(tx, caller, u.Asset, u.Delta)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		applied.Updates = append(applied.Updates, event.PositionDelta{Asset: u.Asset, Delta: u.Delta})
		applied.Collected = append(applied.Collected, event.AssetAmount{Asset: u.Asset, Amount: received})
		batch.Add(ledger.JournalTypeRepayment,
			ledger.NewSystemAccountKey(ledger.SubTypeCustody, u.Asset),
			ledger.NewPartyAccountKey(counterparty, ledger.SubTypePosition, u.Asset),
			u.Asset, received)
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// AddCollateral credits unsigned collateral to a counterparty. The credited
// amount is what custody actually received.
func (v *Vault) AddCollateral(requestID uuid.UUID, caller, counterparty common.Address, asset string, amount int64, now time.Time) (*event.CollateralAdded, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.CollateralAdded{
		RequestID:    requestID,
		Caller:       caller,
		Counterparty: counterparty,
		Asset:        asset,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if _, err := v.registry.Counterparty(counterparty); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.RequireAsset(asset); err != nil {
		tx.Rollback()
		return nil, err
	}

	received, err := v.bank.Collect(tx, caller, asset, amount)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	key := ledger.PositionKey{Counterparty: counterparty, Asset: asset}
	if _, err := v.collateral.Credit(tx, key, received); err != nil {
		tx.Rollback()
		return nil, err
	}
	applied.Amount = received

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypeCollateralAdd,
		ledger.NewSystemAccountKey(ledger.SubTypeCustody, asset),
		ledger.NewPartyAccountKey(counterparty, ledger.SubTypeCollateral, asset),
		asset, received)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// RemoveCollateral applies a signed collateral withdrawal to the pinned
// recipient. Only the counterparty or its settler may call; every token
// passes the rebalance limiter.
func (v *Vault) RemoveCollateral(requestID uuid.UUID, caller common.Address, req *auth.RemoveCollateralRequest, sig []byte, now time.Time) (*event.CollateralRemoved, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.CollateralRemoved{
		RequestID:    requestID,
		Caller:       caller,
		Counterparty: req.Counterparty,
		Nonce:        req.Nonce,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	cfg, err := v.registry.Counterparty(req.Counterparty)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !cfg.AuthorizedCaller(caller) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrOnlyTrader, caller.Hex())
	}
	applied.Recipient = cfg.Recipient

	digest := v.domain.RemoveCollateralDigest(req, cfg.Recipient)
	if err := v.verifier.Verify(tx, now, req.Nonce, req.Deadline, digest, sig); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())

	for _, tok := range req.Tokens {
		if tok.Amount <= 0 {
			tx.Rollback()
			return nil, fmt.Errorf("withdrawal amount must be positive, got %d (%s)", tok.Amount, tok.Asset)
		}
		if err := v.registry.RequireAsset(tok.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}

		key := ledger.PositionKey{Counterparty: req.Counterparty, Asset: tok.Asset}
		if _, err := v.collateral.Debit(tx, key, tok.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := v.limiter.CheckAndConsume(tx, req.Counterparty, tok.Asset, tok.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := v.bank.Pay(tx, cfg.Recipient, tok.Asset, tok.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}

		applied.Tokens = append(applied.Tokens, event.AssetAmount{Asset: tok.Asset, Amount: tok.Amount})
		batch.Add(ledger.JournalTypeCollateralRemove,
			ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypeCollateral, tok.Asset),
			ledger.NewSystemAccountKey(ledger.SubTypeCustody, tok.Asset),
			tok.Asset, tok.Amount)
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// Liquidate applies a signed liquidation by an authorized liquidator.
// Position deltas follow settlement direction rules and are closing-only;
// claimed collateral and payouts route to the liquidator's configured
// recipient, never to a caller-supplied address. The request digest binds
// that recipient.
func (v *Vault) Liquidate(requestID uuid.UUID, liquidator common.Address, req *auth.LiquidationRequest, sig []byte, now time.Time) (*event.LiquidationApplied, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.LiquidationApplied{
		RequestID:    requestID,
		Liquidator:   liquidator,
		Counterparty: req.Counterparty,
		Nonce:        req.Nonce,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	liqCfg, err := v.registry.Liquidator(liquidator)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	applied.Recipient = liqCfg.Recipient

	if _, err := v.registry.Counterparty(req.Counterparty); err != nil {
		tx.Rollback()
		return nil, err
	}

	digest := v.domain.LiquidationDigest(req, liqCfg.Recipient)
	if err := v.verifier.Verify(tx, now, req.Nonce, req.Deadline, digest, sig); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())

	for _, u := range req.Updates {
		if err := v.registry.RequireAsset(u.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}
		key := ledger.PositionKey{Counterparty: req.Counterparty, Asset: u.Asset}

		switch {
		case u.Delta > 0:
			if _, err := v.positions.ApplyClose(tx, key, u.Delta); err != nil {
				tx.Rollback()
				return nil, err
			}
			received, err := v.bank.Collect(tx, liquidator, u.Asset, u.Delta)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			applied.Collected = append(applied.Collected, event.AssetAmount{Asset: u.Asset, Amount: received})
			batch.Add(ledger.JournalTypeLiquidationCollect,
				ledger.NewSystemAccountKey(ledger.SubTypeCustody, u.Asset),
				ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypePosition, u.Asset),
				u.Asset, received)

		case u.Delta < 0:
			amount := -u.Delta
			if _, err := v.positions.ApplyClose(tx, key, u.Delta); err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := v.limiter.CheckAndConsume(tx, liquidator, u.Asset, amount); err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := v.bank.Pay(tx, liqCfg.Recipient, u.Asset, amount); err != nil {
				tx.Rollback()
				return nil, err
			}
			applied.PaidOut = append(applied.PaidOut, event.AssetAmount{Asset: u.Asset, Amount: amount})
			batch.Add(ledger.JournalTypeLiquidationPayout,
				ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypePosition, u.Asset),
				ledger.NewSystemAccountKey(ledger.SubTypeCustody, u.Asset),
				u.Asset, amount)

		default:
			tx.Rollback()
			return nil, fmt.Errorf("%w: zero delta (%s)", ledger.ErrInvalidPositionUpdateAmount, u.Asset)
		}

		applied.Updates = append(applied.Updates, event.PositionDelta{Asset: u.Asset, Delta: u.Delta})
	}

	for _, claim := range req.ClaimCollaterals {
		if claim.Amount <= 0 {
			tx.Rollback()
			return nil, fmt.Errorf("claim amount must be positive, got %d (%s)", claim.Amount, claim.Asset)
		}
		if err := v.registry.RequireAsset(claim.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}

		key := ledger.PositionKey{Counterparty: req.Counterparty, Asset: claim.Asset}
		if _, err := v.collateral.Debit(tx, key, claim.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := v.limiter.CheckAndConsume(tx, liquidator, claim.Asset, claim.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := v.bank.Pay(tx, liqCfg.Recipient, claim.Asset, claim.Amount); err != nil {
			tx.Rollback()
			return nil, err
		}

		applied.Claimed = append(applied.Claimed, event.AssetAmount{Asset: claim.Asset, Amount: claim.Amount})
		batch.Add(ledger.JournalTypeCollateralClaim,
			ledger.NewPartyAccountKey(req.Counterparty, ledger.SubTypeCollateral, claim.Asset),
			ledger.NewSystemAccountKey(ledger.SubTypeCustody, claim.Asset),
			claim.Asset, claim.Amount)
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SettleEpoch applies one atomic funding batch. Each counterparty advances
// its epoch at most once per interval; funding and reserve fees debit the
// position, the reserve fee accrues to the reserve book, and the funding fee
// flows to the asset's pool as yield under the rate-step bound. Any entry
// failing rolls back the entire batch, including every epoch advance.
func (v *Vault) SettleEpoch(requestID uuid.UUID, caller common.Address, entries []event.EpochEntry, now time.Time) (*event.EpochSettled, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.EpochSettled{
		RequestID: requestID,
		Caller:    caller,
		Entries:   entries,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleEpochSettler, caller); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	advanced := make(map[common.Address]bool)

	for _, e := range entries {
		if _, err := v.registry.Counterparty(e.Counterparty); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := v.registry.RequireAsset(e.Asset); err != nil {
			tx.Rollback()
			return nil, err
		}
		if e.FundingFee < 0 || e.ReserveFee < 0 {
			tx.Rollback()
			return nil, fmt.Errorf("epoch entry fees must be non-negative: funding=%d reserve=%d",
				e.FundingFee, e.ReserveFee)
		}

		if !advanced[e.Counterparty] {
			if err := v.epochs.Advance(tx, e.Counterparty, now); err != nil {
				tx.Rollback()
				return nil, err
			}
			advanced[e.Counterparty] = true
		}

		debit, err := vmath.AddChecked(e.FundingFee, e.ReserveFee)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if debit > 0 {
			key := ledger.PositionKey{Counterparty: e.Counterparty, Asset: e.Asset}
			if _, err := v.positions.Debit(tx, key, debit); err != nil {
				tx.Rollback()
				return nil, err
			}
			batch.Add(ledger.JournalTypeFeeDebit,
				ledger.NewPartyAccountKey(e.Counterparty, ledger.SubTypePosition, e.Asset),
				ledger.NewSystemAccountKey(ledger.SubTypePoolUnderlying, e.Asset),
				e.Asset, debit)
		}

		if e.ReserveFee > 0 {
			if err := v.reserves.Accrue(tx, e.Asset, e.ReserveFee); err != nil {
				tx.Rollback()
				return nil, err
			}
			batch.Add(ledger.JournalTypeReserveAccrual,
				ledger.NewSystemAccountKey(ledger.SubTypePoolUnderlying, e.Asset),
				ledger.NewSystemAccountKey(ledger.SubTypeReserve, e.Asset),
				e.Asset, e.ReserveFee)
		}

		// The funding fee stays in pool underlying after the debit journal
		// above: distributing it raises the exchange rate for share holders.
		if e.FundingFee > 0 {
			p, err := v.poolFor(e.Asset)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := p.DistributeYield(tx, e.FundingFee); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// DistributeYield credits yield to one pool outside an epoch batch, under
// the same rate-step bound.
func (v *Vault) DistributeYield(requestID uuid.UUID, caller common.Address, asset string, amount int64, now time.Time) (*event.YieldDistributed, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.YieldDistributed{
		RequestID: requestID,
		Caller:    caller,
		Asset:     asset,
		Amount:    amount,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleEpochSettler, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := p.DistributeYield(tx, amount); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypeFundingYield,
		ledger.NewSystemAccountKey(ledger.SubTypeBank, asset),
		ledger.NewSystemAccountKey(ledger.SubTypePoolUnderlying, asset),
		asset, amount)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// Deposit collects underlying from the depositor and mints pool shares for
// the amount custody actually received. Shares and the cooldown stamp land
// on recipient, so a depositor can fund a third party's claim.
func (v *Vault) Deposit(requestID uuid.UUID, depositor, recipient common.Address, asset string, amount int64, now time.Time) (*event.PoolDeposited, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.PoolDeposited{
		RequestID: requestID,
		Depositor: depositor,
		Recipient: recipient,
		Asset:     asset,
		Requested: amount,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if recipient == (common.Address{}) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: zero deposit recipient", pool.ErrInvalidTransferParty)
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	received, err := v.bank.Collect(tx, depositor, asset, amount)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	shares, err := p.Deposit(tx, recipient, received, now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	applied.Received = received
	applied.Shares = shares

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypePoolDeposit,
		ledger.NewSystemAccountKey(ledger.SubTypePoolUnderlying, asset),
		ledger.NewPartyAccountKey(recipient, ledger.SubTypePoolShares, asset),
		asset, received)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// Redeem burns pool shares from the holder and pays the net amount to the
// recipient, which may be a third party. The net payout may never exceed
// the pool's recorded underlying.
func (v *Vault) Redeem(requestID uuid.UUID, holder, recipient common.Address, asset string, shares int64, now time.Time) (*event.PoolRedeemed, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.PoolRedeemed{
		RequestID: requestID,
		Holder:    holder,
		Recipient: recipient,
		Asset:     asset,
		Shares:    shares,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if recipient == (common.Address{}) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: zero payout recipient", pool.ErrInvalidTransferParty)
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	quote, err := p.PreviewRedeem(holder, shares, now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if quote.Net > p.TotalUnderlying() {
		tx.Rollback()
		return nil, fmt.Errorf("%w: net=%d underlying=%d (%s)",
			ErrInsufficientUnderlying, quote.Net, p.TotalUnderlying(), asset)
	}
	if err := p.Redeem(tx, holder, shares, quote); err != nil {
		tx.Rollback()
		return nil, err
	}
	if quote.Net > 0 {
		if err := v.bank.Pay(tx, recipient, asset, quote.Net); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	applied.Gross = quote.Gross
	applied.Fee = quote.Fee
	applied.Net = quote.Net

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	if quote.Net > 0 {
		batch.Add(ledger.JournalTypePoolRedeem,
			ledger.NewPartyAccountKey(holder, ledger.SubTypePoolShares, asset),
			ledger.NewSystemAccountKey(ledger.SubTypePoolUnderlying, asset),
			asset, quote.Net)
	}
	if quote.Fee > 0 {
		batch.Add(ledger.JournalTypeExitFee,
			ledger.NewPartyAccountKey(holder, ledger.SubTypePoolShares, asset),
			ledger.NewSystemAccountKey(ledger.SubTypeExitFees, asset),
			asset, quote.Fee)
	}

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// TransferClaim moves the share-equivalent of an underlying amount between
// holders. Blocked while the sender is in cooldown.
func (v *Vault) TransferClaim(requestID uuid.UUID, from, to common.Address, asset string, amount int64, now time.Time) (*event.ClaimTransferred, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.ClaimTransferred{
		RequestID: requestID,
		From:      from,
		To:        to,
		Asset:     asset,
		Amount:    amount,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	shares, err := p.TransferClaim(tx, from, to, amount, now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	applied.Shares = shares

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypeClaimTransfer,
		ledger.NewPartyAccountKey(from, ledger.SubTypePoolShares, asset),
		ledger.NewPartyAccountKey(to, ledger.SubTypePoolShares, asset),
		asset, amount)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// WithdrawExitFees drains accrued early-exit fees to a recipient. Requires
// the fee-withdraw role.
func (v *Vault) WithdrawExitFees(requestID uuid.UUID, caller, recipient common.Address, asset string, amount int64, now time.Time) (*event.ExitFeesWithdrawn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.ExitFeesWithdrawn{
		RequestID: requestID,
		Caller:    caller,
		Recipient: recipient,
		Asset:     asset,
		Amount:    amount,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleFeeWithdraw, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := p.WithdrawExitFees(tx, amount); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.bank.Pay(tx, recipient, asset, amount); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypeExitFee,
		ledger.NewSystemAccountKey(ledger.SubTypeExitFees, asset),
		ledger.NewSystemAccountKey(ledger.SubTypeCustody, asset),
		asset, amount)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// WithdrawReserve pays out of an asset's reserve balance. Requires the
// fee-withdraw role.
func (v *Vault) WithdrawReserve(requestID uuid.UUID, caller, recipient common.Address, asset string, amount int64, now time.Time) (*event.ReserveWithdrawn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.ReserveWithdrawn{
		RequestID: requestID,
		Caller:    caller,
		Recipient: recipient,
		Asset:     asset,
		Amount:    amount,
		Timestamp: now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleFeeWithdraw, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.reserves.Withdraw(tx, asset, amount); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.bank.Pay(tx, recipient, asset, amount); err != nil {
		tx.Rollback()
		return nil, err
	}

	batch := ledger.NewBatch(applied.IdempotencyKey(), v.sequence, now.UnixMicro())
	batch.Add(ledger.JournalTypeReserveWithdraw,
		ledger.NewSystemAccountKey(ledger.SubTypeReserve, asset),
		ledger.NewSystemAccountKey(ledger.SubTypeCustody, asset),
		asset, amount)

	if err := v.finish(tx, applied, batch, start); err != nil {
		return nil, err
	}
	return applied, nil
}
