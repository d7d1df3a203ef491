// Package state holds the vault's administrative registry: registered
// assets, counterparty and liquidator configurations, role assignments, and
// the per-counterparty epoch tracker.
package state

import (
	"fmt"
	"sort"

	"creditvault/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAssetAlreadyRegistered = fmt.Errorf("asset already registered")
	ErrInvalidUnderlying      = fmt.Errorf("asset not registered")
	ErrUnknownCounterparty    = fmt.Errorf("counterparty not configured")
	ErrCounterpartyDisabled   = fmt.Errorf("counterparty disabled")
	ErrUnknownLiquidator      = fmt.Errorf("liquidator not configured")
	ErrLiquidatorDisabled     = fmt.Errorf("liquidator disabled")
	ErrInvalidConfig          = fmt.Errorf("invalid registry config")
	ErrUnauthorizedRole       = fmt.Errorf("caller lacks required role")
)

// CounterpartyConfig describes one credit counterparty. The settler is an
// optional delegate that may submit authorized requests on the
// counterparty's behalf; the zero address means no delegate. Payouts always
// route to the pinned recipient, never to a caller-supplied address.
type CounterpartyConfig struct {
	Counterparty common.Address `json:"counterparty"`
	Settler      common.Address `json:"settler"`
	Recipient    common.Address `json:"recipient"`
	Enabled      bool           `json:"enabled"`
	Whitelisted  bool           `json:"whitelisted"`
}

// AuthorizedCaller reports whether addr may act for this counterparty: the
// counterparty itself, or its delegated settler when one is configured.
func (c CounterpartyConfig) AuthorizedCaller(addr common.Address) bool {
	if addr == c.Counterparty {
		return true
	}
	return c.Settler != (common.Address{}) && addr == c.Settler
}

// LiquidatorConfig describes one authorized liquidator and its payout
// destination.
type LiquidatorConfig struct {
	Liquidator common.Address `json:"liquidator"`
	Recipient  common.Address `json:"recipient"`
	Enabled    bool           `json:"enabled"`
}

// Role gates administrative operations.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleVenue        Role = "venue"
	RoleEpochSettler Role = "epoch_settler"
	RoleFeeWithdraw  Role = "fee_withdraw"
)

// Registry is the in-memory administrative state. Like the rest of the core
// state it is mutated only by the single-threaded vault loop.
type Registry struct {
	owner          common.Address
	assets         map[string]bool
	counterparties map[common.Address]CounterpartyConfig
	liquidators    map[common.Address]LiquidatorConfig
	roles          map[Role]map[common.Address]bool
}

func NewRegistry(owner common.Address) *Registry {
	r := &Registry{
		owner:          owner,
		assets:         make(map[string]bool),
		counterparties: make(map[common.Address]CounterpartyConfig),
		liquidators:    make(map[common.Address]LiquidatorConfig),
		roles:          make(map[Role]map[common.Address]bool),
	}
	r.roles[RoleOwner] = map[common.Address]bool{owner: true}
	return r
}

func (r *Registry) Owner() common.Address { return r.owner }

// RegisterAsset enables an asset symbol for collateral, positions, and
// pools. Registration is one-time.
func (r *Registry) RegisterAsset(tx *ledger.Txn, asset string) error {
	if asset == "" {
		return fmt.Errorf("%w: empty asset symbol", ErrInvalidConfig)
	}
	if r.assets[asset] {
		return fmt.Errorf("%w: %s", ErrAssetAlreadyRegistered, asset)
	}
	tx.Record(func() { delete(r.assets, asset) })
	r.assets[asset] = true
	return nil
}

func (r *Registry) IsAssetRegistered(asset string) bool {
	return r.assets[asset]
}

// RequireAsset fails with ErrInvalidUnderlying for unregistered symbols.
func (r *Registry) RequireAsset(asset string) error {
	if !r.assets[asset] {
		return fmt.Errorf("%w: %s", ErrInvalidUnderlying, asset)
	}
	return nil
}

// Assets returns the registered symbols in sorted order.
func (r *Registry) Assets() []string {
	out := make([]string, 0, len(r.assets))
	for a := range r.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SetCounterparty installs or replaces a counterparty configuration. The
// settler may be zero (no delegate). The recipient must be a distinct
// non-zero address: it can match neither the counterparty nor its settler.
func (r *Registry) SetCounterparty(tx *ledger.Txn, cfg CounterpartyConfig) error {
	zero := common.Address{}
	if cfg.Counterparty == zero || cfg.Recipient == zero {
		return fmt.Errorf("%w: zero address in counterparty config", ErrInvalidConfig)
	}
	if cfg.Recipient == cfg.Counterparty || cfg.Recipient == cfg.Settler {
		return fmt.Errorf("%w: recipient must differ from counterparty and settler", ErrInvalidConfig)
	}

	prev, had := r.counterparties[cfg.Counterparty]
	tx.Record(func() {
		if had {
			r.counterparties[cfg.Counterparty] = prev
		} else {
			delete(r.counterparties, cfg.Counterparty)
		}
	})
	r.counterparties[cfg.Counterparty] = cfg
	return nil
}

// Counterparty returns an enabled counterparty's configuration.
func (r *Registry) Counterparty(addr common.Address) (CounterpartyConfig, error) {
	cfg, ok := r.counterparties[addr]
	if !ok {
		return CounterpartyConfig{}, fmt.Errorf("%w: %s", ErrUnknownCounterparty, addr.Hex())
	}
	if !cfg.Enabled {
		return CounterpartyConfig{}, fmt.Errorf("%w: %s", ErrCounterpartyDisabled, addr.Hex())
	}
	return cfg, nil
}

// Counterparties returns all configurations, enabled or not, sorted by
// address for deterministic iteration.
func (r *Registry) Counterparties() []CounterpartyConfig {
	out := make([]CounterpartyConfig, 0, len(r.counterparties))
	for _, cfg := range r.counterparties {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Counterparty.Hex() < out[j].Counterparty.Hex()
	})
	return out
}

// SetLiquidator installs or replaces a liquidator configuration.
func (r *Registry) SetLiquidator(tx *ledger.Txn, cfg LiquidatorConfig) error {
	zero := common.Address{}
	if cfg.Liquidator == zero || cfg.Recipient == zero {
		return fmt.Errorf("%w: zero address in liquidator config", ErrInvalidConfig)
	}

	prev, had := r.liquidators[cfg.Liquidator]
	tx.Record(func() {
		if had {
			r.liquidators[cfg.Liquidator] = prev
		} else {
			delete(r.liquidators, cfg.Liquidator)
		}
	})
	r.liquidators[cfg.Liquidator] = cfg
	return nil
}

// Liquidator returns an enabled liquidator's configuration.
func (r *Registry) Liquidator(addr common.Address) (LiquidatorConfig, error) {
	cfg, ok := r.liquidators[addr]
	if !ok {
		return LiquidatorConfig{}, fmt.Errorf("%w: %s", ErrUnknownLiquidator, addr.Hex())
	}
	if !cfg.Enabled {
		return LiquidatorConfig{}, fmt.Errorf("%w: %s", ErrLiquidatorDisabled, addr.Hex())
	}
	return cfg, nil
}

func (r *Registry) Liquidators() []LiquidatorConfig {
	out := make([]LiquidatorConfig, 0, len(r.liquidators))
	for _, cfg := range r.liquidators {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Liquidator.Hex() < out[j].Liquidator.Hex()
	})
	return out
}

// GrantRole assigns a role to an address.
func (r *Registry) GrantRole(tx *ledger.Txn, role Role, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address for role %s", ErrInvalidConfig, role)
	}
	if r.roles[role] == nil {
		holders := make(map[common.Address]bool)
		tx.Record(func() { delete(r.roles, role) })
		r.roles[role] = holders
	}
	prev := r.roles[role][addr]
	tx.Record(func() {
		if prev {
			r.roles[role][addr] = true
		} else {
			delete(r.roles[role], addr)
		}
	})
	r.roles[role][addr] = true
	return nil
}

// RevokeRole removes a role from an address.
func (r *Registry) RevokeRole(tx *ledger.Txn, role Role, addr common.Address) {
	holders, ok := r.roles[role]
	if !ok || !holders[addr] {
		return
	}
	tx.Record(func() { holders[addr] = true })
	delete(holders, addr)
}

func (r *Registry) HasRole(role Role, addr common.Address) bool {
	return r.roles[role][addr] || (role != RoleOwner && r.roles[RoleOwner][addr])
}

// RequireRole fails with ErrUnauthorizedRole when the address does not hold
// the role. The owner passes every role check.
func (r *Registry) RequireRole(role Role, addr common.Address) error {
	if !r.HasRole(role, addr) {
		return fmt.Errorf("%w: %s needs %s", ErrUnauthorizedRole, addr.Hex(), role)
	}
	return nil
}

// RegistrySnapshot captures the registry for persistence.
type RegistrySnapshot struct {
	Owner          common.Address            `json:"owner"`
	Assets         []string                  `json:"assets"`
	Counterparties []CounterpartyConfig      `json:"counterparties"`
	Liquidators    []LiquidatorConfig        `json:"liquidators"`
	Roles          map[Role][]common.Address `json:"roles"`
}

func (r *Registry) Snapshot() RegistrySnapshot {
	snap := RegistrySnapshot{
		Owner:          r.owner,
		Assets:         r.Assets(),
		Counterparties: r.Counterparties(),
		Liquidators:    r.Liquidators(),
		Roles:          make(map[Role][]common.Address),
	}
	for role, holders := range r.roles {
		addrs := make([]common.Address, 0, len(holders))
		for a := range holders {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
		snap.Roles[role] = addrs
	}
	return snap
}

// RegistryFromSnapshot rebuilds a registry from a persisted snapshot.
func RegistryFromSnapshot(snap RegistrySnapshot) *Registry {
	r := NewRegistry(snap.Owner)
	for _, a := range snap.Assets {
		r.assets[a] = true
	}
	for _, cfg := range snap.Counterparties {
		r.counterparties[cfg.Counterparty] = cfg
	}
	for _, cfg := range snap.Liquidators {
		r.liquidators[cfg.Liquidator] = cfg
	}
	for role, addrs := range snap.Roles {
		holders := make(map[common.Address]bool, len(addrs))
		for _, a := range addrs {
			holders[a] = true
		}
		r.roles[role] = holders
	}
	return r
}
