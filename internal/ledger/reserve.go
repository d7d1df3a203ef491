package ledger

import "fmt"

// ErrInsufficientReserve rejects a reserve withdrawal above the accrual.
var ErrInsufficientReserve = fmt.Errorf("insufficient reserve balance")

// ReserveBook tracks the protocol-owned reserve fee accrual per asset.
type ReserveBook struct {
	balances map[string]int64
}

func NewReserveBook() *ReserveBook {
	return &ReserveBook{balances: make(map[string]int64)}
}

func (b *ReserveBook) Get(asset string) int64 {
	return b.balances[asset]
}

func (b *ReserveBook) set(tx *Txn, asset string, value int64) {
	prev, had := b.balances[asset]
	tx.Record(func() {
		if had {
			b.balances[asset] = prev
		} else {
			delete(b.balances, asset)
		}
	})
	b.balances[asset] = value
}

// Accrue adds a positive reserve fee for the asset.
func (b *ReserveBook) Accrue(tx *Txn, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve accrual must be positive, got %d", amount)
	}
	b.set(tx, asset, b.balances[asset]+amount)
	return nil
}

// Withdraw removes up to the accrued amount.
func (b *ReserveBook) Withdraw(tx *Txn, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve withdrawal must be positive, got %d", amount)
	}
	cur := b.balances[asset]
	if amount > cur {
		return fmt.Errorf("%w: have=%d want=%d (%s)", ErrInsufficientReserve, cur, amount, asset)
	}
	b.set(tx, asset, cur-amount)
	return nil
}

func (b *ReserveBook) All() map[string]int64 {
	out := make(map[string]int64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}

func (b *ReserveBook) Restore(asset string, value int64) {
	b.balances[asset] = value
}
