package core

import (
	"time"

	"creditvault/internal/event"
	"creditvault/internal/pool"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Administrative operations. Each is owner-gated, applies its registry or
// config mutation under the operation transaction, and emits a journal-less
// envelope so the event log still covers configuration history.

// RegisterAsset enables an asset one time and creates its share pool.
func (v *Vault) RegisterAsset(requestID uuid.UUID, caller common.Address, asset string, now time.Time) (*event.AssetRegistered, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.AssetRegistered{RequestID: requestID, Caller: caller, Asset: asset, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.RegisterAsset(tx, asset); err != nil {
		tx.Rollback()
		return nil, err
	}

	p := pool.NewSharePool(asset, v.poolParams)
	tx.Record(func() { delete(v.pools, asset) })
	v.pools[asset] = p

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetCounterparty installs or replaces a counterparty configuration.
func (v *Vault) SetCounterparty(requestID uuid.UUID, caller common.Address, cfg state.CounterpartyConfig, now time.Time) (*event.CounterpartySet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.CounterpartySet{
		RequestID:    requestID,
		Caller:       caller,
		Counterparty: cfg.Counterparty,
		Settler:      cfg.Settler,
		Recipient:    cfg.Recipient,
		Enabled:      cfg.Enabled,
		Whitelisted:  cfg.Whitelisted,
		Timestamp:    now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.SetCounterparty(tx, cfg); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetLiquidator installs or replaces a liquidator configuration.
func (v *Vault) SetLiquidator(requestID uuid.UUID, caller common.Address, cfg state.LiquidatorConfig, now time.Time) (*event.LiquidatorSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.LiquidatorSet{
		RequestID:  requestID,
		Caller:     caller,
		Liquidator: cfg.Liquidator,
		Recipient:  cfg.Recipient,
		Enabled:    cfg.Enabled,
		Timestamp:  now,
	}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.SetLiquidator(tx, cfg); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// GrantRole assigns a role.
func (v *Vault) GrantRole(requestID uuid.UUID, caller common.Address, role state.Role, grantee common.Address, now time.Time) (*event.RoleGranted, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.RoleGranted{RequestID: requestID, Caller: caller, Role: string(role), Grantee: grantee, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.GrantRole(tx, role, grantee); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// RevokeRole removes a role.
func (v *Vault) RevokeRole(requestID uuid.UUID, caller common.Address, role state.Role, revokee common.Address, now time.Time) (*event.RoleRevoked, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.RoleRevoked{RequestID: requestID, Caller: caller, Role: string(role), Revokee: revokee, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	v.registry.RevokeRole(tx, role, revokee)

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetRebalanceCap replaces an operator's daily outflow cap for one asset.
func (v *Vault) SetRebalanceCap(requestID uuid.UUID, caller, operator common.Address, asset string, limit int64, now time.Time) (*event.RebalanceCapSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.RebalanceCapSet{RequestID: requestID, Caller: caller, Operator: operator, Asset: asset, Limit: limit, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.registry.RequireAsset(asset); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := v.limiter.SetCap(tx, operator, asset, limit); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetExitFee replaces a pool's early-exit fee rate.
func (v *Vault) SetExitFee(requestID uuid.UUID, caller common.Address, asset string, feeBips int64, now time.Time) (*event.ExitFeeSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.ExitFeeSet{RequestID: requestID, Caller: caller, Asset: asset, FeeBips: feeBips, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := p.SetExitFee(tx, feeBips); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetFeeExempt toggles a holder's cooldown-fee exemption on one pool.
func (v *Vault) SetFeeExempt(requestID uuid.UUID, caller common.Address, asset string, holder common.Address, exempt bool, now time.Time) (*event.FeeExemptSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.FeeExemptSet{RequestID: requestID, Caller: caller, Asset: asset, Holder: holder, Exempt: exempt, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	p, err := v.poolFor(asset)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	p.SetFeeExempt(tx, holder, exempt)

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}

// SetSigner rotates the authorization signer key.
func (v *Vault) SetSigner(requestID uuid.UUID, caller, signer common.Address, now time.Time) (*event.SignerSet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := time.Now()

	applied := &event.SignerSet{RequestID: requestID, Caller: caller, Signer: signer, Timestamp: now}
	tx, err := v.begin(applied, now)
	if err != nil {
		return nil, err
	}

	if err := v.registry.RequireRole(state.RoleOwner, caller); err != nil {
		tx.Rollback()
		return nil, err
	}
	v.verifier.SetSigner(tx, signer)

	if err := v.finish(tx, applied, nil, start); err != nil {
		return nil, err
	}
	return applied, nil
}
