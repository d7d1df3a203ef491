package ledger

import (
	"fmt"

	vmath "creditvault/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidPositionUpdateAmount rejects a closing-type update that would
	// open, enlarge, or flip a position instead of shrinking it toward zero.
	ErrInvalidPositionUpdateAmount = fmt.Errorf("invalid position update amount")

	// ErrInsufficientCollateral rejects a collateral debit exceeding the
	// deposited balance.
	ErrInsufficientCollateral = fmt.Errorf("insufficient collateral")
)

// PositionKey addresses one signed net-position cell.
type PositionKey struct {
	Counterparty common.Address
	Asset        string
}

// PositionBook stores signed per (counterparty, asset) net positions.
// Positive means the counterparty owes the pool that asset.
type PositionBook struct {
	positions map[PositionKey]int64
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[PositionKey]int64)}
}

// Get returns the current position, zero if never touched.
func (b *PositionBook) Get(key PositionKey) int64 {
	return b.positions[key]
}

func (b *PositionBook) set(tx *Txn, key PositionKey, value int64) {
	prev, had := b.positions[key]
	tx.Record(func() {
		if had {
			b.positions[key] = prev
		} else {
			delete(b.positions, key)
		}
	})
	b.positions[key] = value
}

// Adjust applies an unconstrained-sign delta. This is the lending path: only
// the venue callback may open or enlarge exposure.
func (b *PositionBook) Adjust(tx *Txn, key PositionKey, delta int64) (int64, error) {
	next, err := vmath.AddChecked(b.positions[key], delta)
	if err != nil {
		return 0, err
	}
	b.set(tx, key, next)
	return next, nil
}

// ApplyClose applies a closing-only delta. The delta must oppose the current
// position's sign and the result must not cross zero into the opposite sign.
// An exact-zero result is a valid close. A zero position admits no closing
// update, and neither does a zero delta.
func (b *PositionBook) ApplyClose(tx *Txn, key PositionKey, delta int64) (int64, error) {
	cur := b.positions[key]
	if cur == 0 || vmath.Sign(delta) != -vmath.Sign(cur) {
		return 0, fmt.Errorf("%w: position=%d delta=%d (%s/%s)",
			ErrInvalidPositionUpdateAmount, cur, delta, key.Counterparty.Hex(), key.Asset)
	}

	next := cur + delta
	if next != 0 && vmath.Sign(next) != vmath.Sign(cur) {
		return 0, fmt.Errorf("%w: update crosses zero, position=%d delta=%d (%s/%s)",
			ErrInvalidPositionUpdateAmount, cur, delta, key.Counterparty.Hex(), key.Asset)
	}

	b.set(tx, key, next)
	return next, nil
}

// Debit increases what the counterparty owes by a positive fee amount.
// Used by the epoch engine; a pure ledger debit, no transfer.
func (b *PositionBook) Debit(tx *Txn, key PositionKey, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("position debit must be positive, got %d", amount)
	}
	return b.Adjust(tx, key, amount)
}

// All returns a copy of every non-zero cell, for snapshots and projections.
func (b *PositionBook) All() map[PositionKey]int64 {
	out := make(map[PositionKey]int64, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// Restore directly sets a cell during snapshot recovery.
func (b *PositionBook) Restore(key PositionKey, value int64) {
	b.positions[key] = value
}

// CollateralBook stores unsigned per (counterparty, asset) deposits,
// independent of positions.
type CollateralBook struct {
	balances map[PositionKey]int64
}

func NewCollateralBook() *CollateralBook {
	return &CollateralBook{balances: make(map[PositionKey]int64)}
}

func (b *CollateralBook) Get(key PositionKey) int64 {
	return b.balances[key]
}

func (b *CollateralBook) set(tx *Txn, key PositionKey, value int64) {
	prev, had := b.balances[key]
	tx.Record(func() {
		if had {
			b.balances[key] = prev
		} else {
			delete(b.balances, key)
		}
	})
	b.balances[key] = value
}

// Credit adds a positive deposit on the counterparty's behalf.
func (b *CollateralBook) Credit(tx *Txn, key PositionKey, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("collateral credit must be positive, got %d", amount)
	}
	next, err := vmath.AddChecked(b.balances[key], amount)
	if err != nil {
		return 0, err
	}
	b.set(tx, key, next)
	return next, nil
}

// Debit removes collateral; the balance may never go negative.
func (b *CollateralBook) Debit(tx *Txn, key PositionKey, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("collateral debit must be positive, got %d", amount)
	}
	cur := b.balances[key]
	if amount > cur {
		return 0, fmt.Errorf("%w: have=%d want=%d (%s/%s)",
			ErrInsufficientCollateral, cur, amount, key.Counterparty.Hex(), key.Asset)
	}
	b.set(tx, key, cur-amount)
	return cur - amount, nil
}

func (b *CollateralBook) All() map[PositionKey]int64 {
	out := make(map[PositionKey]int64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}

func (b *CollateralBook) Restore(key PositionKey, value int64) {
	b.balances[key] = value
}
