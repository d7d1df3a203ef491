package core

import (
	"fmt"

	"creditvault/internal/ledger"
	vmath "creditvault/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrBankInsufficientFunds = fmt.Errorf("insufficient bank funds")

// Bank is the custody boundary. Collect pulls tokens in and reports the
// amount actually received, which for fee-on-transfer assets is less than
// requested. Pay pushes tokens out of custody. Replay never touches the
// bank: token movement already happened when the event was first applied.
type Bank interface {
	Collect(tx *ledger.Txn, from common.Address, asset string, amount int64) (int64, error)
	Pay(tx *ledger.Txn, to common.Address, asset string, amount int64) error
}

// InMemoryBank is the reference custody adapter used by tests and local
// runs. It tracks per-holder balances and a custody total, and can simulate
// a per-asset transfer fee in bips.
type InMemoryBank struct {
	balances     map[bankKey]int64
	custody      map[string]int64
	transferFees map[string]int64 // asset -> bips withheld on inbound transfers
}

type bankKey struct {
	holder common.Address
	asset  string
}

func NewInMemoryBank() *InMemoryBank {
	return &InMemoryBank{
		balances:     make(map[bankKey]int64),
		custody:      make(map[string]int64),
		transferFees: make(map[string]int64),
	}
}

// Fund seeds a holder's balance outside any vault operation.
func (b *InMemoryBank) Fund(holder common.Address, asset string, amount int64) {
	b.balances[bankKey{holder, asset}] += amount
}

// SetTransferFee configures the simulated inbound fee for an asset.
func (b *InMemoryBank) SetTransferFee(asset string, bips int64) {
	b.transferFees[asset] = bips
}

func (b *InMemoryBank) BalanceOf(holder common.Address, asset string) int64 {
	return b.balances[bankKey{holder, asset}]
}

func (b *InMemoryBank) CustodyOf(asset string) int64 {
	return b.custody[asset]
}

func (b *InMemoryBank) setBalance(tx *ledger.Txn, key bankKey, v int64) {
	prev, had := b.balances[key]
	tx.Record(func() {
		if had {
			b.balances[key] = prev
		} else {
			delete(b.balances, key)
		}
	})
	b.balances[key] = v
}

func (b *InMemoryBank) setCustody(tx *ledger.Txn, asset string, v int64) {
	prev, had := b.custody[asset]
	tx.Record(func() {
		if had {
			b.custody[asset] = prev
		} else {
			delete(b.custody, asset)
		}
	})
	b.custody[asset] = v
}

func (b *InMemoryBank) Collect(tx *ledger.Txn, from common.Address, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("bank collect must be positive, got %d", amount)
	}
	key := bankKey{from, asset}
	if b.balances[key] < amount {
		return 0, fmt.Errorf("%w: %s has %d %s, need %d",
			ErrBankInsufficientFunds, from.Hex(), b.balances[key], asset, amount)
	}

	received := amount
	if bips := b.transferFees[asset]; bips > 0 {
		fee, err := vmath.BipsOf(amount, bips)
		if err != nil {
			return 0, err
		}
		received = amount - fee
	}

	b.setBalance(tx, key, b.balances[key]-amount)
	b.setCustody(tx, asset, b.custody[asset]+received)
	return received, nil
}

func (b *InMemoryBank) Pay(tx *ledger.Txn, to common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("bank pay must be positive, got %d", amount)
	}
	if b.custody[asset] < amount {
		return fmt.Errorf("%w: custody has %d %s, need %d",
			ErrBankInsufficientFunds, b.custody[asset], asset, amount)
	}

	b.setCustody(tx, asset, b.custody[asset]-amount)
	b.setBalance(tx, bankKey{to, asset}, b.balances[bankKey{to, asset}]+amount)
	return nil
}
