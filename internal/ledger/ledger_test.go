package ledger_test

import (
	"creditvault/internal/ledger"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	trader = common.HexToAddress("0x1111111111111111111111111111111111111111")
	keyX   = ledger.PositionKey{Counterparty: trader, Asset: "WETH"}
)

// ============================================================================
// Test: PositionBook closing-only invariant
// ============================================================================

func TestPositionBook_AdjustOpensEitherSign(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()

	if _, err := b.Adjust(tx, keyX, 100); err != nil {
		t.Fatalf("open long: %v", err)
	}
	if _, err := b.Adjust(tx, keyX, -250); err != nil {
		t.Fatalf("flip via lending path must be allowed: %v", err)
	}
	if got := b.Get(keyX); got != -150 {
		t.Errorf("got %d, want -150", got)
	}
}

func TestPositionBook_ApplyClose_Shrinks(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()
	b.Adjust(tx, keyX, 100)

	next, err := b.ApplyClose(tx, keyX, -40)
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if next != 60 {
		t.Errorf("got %d, want 60", next)
	}
}

func TestPositionBook_ApplyClose_ExactZeroIsValid(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()
	b.Adjust(tx, keyX, -75)

	next, err := b.ApplyClose(tx, keyX, 75)
	if err != nil {
		t.Fatalf("exact-zero close must succeed: %v", err)
	}
	if next != 0 {
		t.Errorf("got %d, want 0", next)
	}
}

func TestPositionBook_ApplyClose_RejectsFlip(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()
	b.Adjust(tx, keyX, 60)

	_, err := b.ApplyClose(tx, keyX, -80)
	if !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Errorf("expected ErrInvalidPositionUpdateAmount, got %v", err)
	}
	if got := b.Get(keyX); got != 60 {
		t.Errorf("position must be untouched after rejection, got %d", got)
	}
}

func TestPositionBook_ApplyClose_RejectsSameSign(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()
	b.Adjust(tx, keyX, 60)

	if _, err := b.ApplyClose(tx, keyX, 10); !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Errorf("same-sign delta must be rejected, got %v", err)
	}
	if _, err := b.ApplyClose(tx, keyX, 0); !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Errorf("zero delta must be rejected, got %v", err)
	}
}

func TestPositionBook_ApplyClose_RejectsZeroPosition(t *testing.T) {
	b := ledger.NewPositionBook()
	tx := ledger.NewTxn()

	if _, err := b.ApplyClose(tx, keyX, -10); !errors.Is(err, ledger.ErrInvalidPositionUpdateAmount) {
		t.Errorf("closing a zero position must be rejected, got %v", err)
	}
}

// Property: for all closing updates, sign is preserved or zeroed and the
// magnitude never grows.
func TestPositionBook_ApplyClose_SignAndMagnitude(t *testing.T) {
	cases := []struct {
		start, delta int64
		ok           bool
	}{
		{100, -1, true},
		{100, -100, true},
		{100, -101, false},
		{-100, 1, true},
		{-100, 100, true},
		{-100, 101, false},
		{-100, -1, false},
		{100, 1, false},
	}

	for _, c := range cases {
		b := ledger.NewPositionBook()
		tx := ledger.NewTxn()
		b.Adjust(tx, keyX, c.start)

		next, err := b.ApplyClose(tx, keyX, c.delta)
		if c.ok {
			if err != nil {
				t.Errorf("start=%d delta=%d: unexpected error %v", c.start, c.delta, err)
				continue
			}
			if next != 0 && (next > 0) != (c.start > 0) {
				t.Errorf("start=%d delta=%d: sign flipped to %d", c.start, c.delta, next)
			}
			if abs(next) > abs(c.start) {
				t.Errorf("start=%d delta=%d: magnitude grew to %d", c.start, c.delta, next)
			}
		} else if err == nil {
			t.Errorf("start=%d delta=%d: expected rejection", c.start, c.delta)
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ============================================================================
// Test: Txn rollback
// ============================================================================

func TestTxn_RollbackRestoresBooks(t *testing.T) {
	pb := ledger.NewPositionBook()
	cb := ledger.NewCollateralBook()

	setup := ledger.NewTxn()
	pb.Adjust(setup, keyX, 100)
	cb.Credit(setup, keyX, 500)
	setup.Commit()

	tx := ledger.NewTxn()
	pb.ApplyClose(tx, keyX, -40)
	cb.Debit(tx, keyX, 200)
	tx.Rollback()

	if pb.Get(keyX) != 100 {
		t.Errorf("position: got %d, want 100 after rollback", pb.Get(keyX))
	}
	if cb.Get(keyX) != 500 {
		t.Errorf("collateral: got %d, want 500 after rollback", cb.Get(keyX))
	}
}

func TestTxn_RollbackRemovesCreatedCells(t *testing.T) {
	pb := ledger.NewPositionBook()

	tx := ledger.NewTxn()
	pb.Adjust(tx, keyX, 10)
	tx.Rollback()

	if len(pb.All()) != 0 {
		t.Error("cell created inside a rolled-back txn must be removed")
	}
}

// ============================================================================
// Test: CollateralBook
// ============================================================================

func TestCollateralBook_DebitUnderflowFails(t *testing.T) {
	cb := ledger.NewCollateralBook()
	tx := ledger.NewTxn()
	cb.Credit(tx, keyX, 100)

	if _, err := cb.Debit(tx, keyX, 101); !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
	if cb.Get(keyX) != 100 {
		t.Errorf("balance must be untouched, got %d", cb.Get(keyX))
	}
}

// ============================================================================
// Test: ReserveBook
// ============================================================================

func TestReserveBook_AccrueAndWithdraw(t *testing.T) {
	rb := ledger.NewReserveBook()
	tx := ledger.NewTxn()

	if err := rb.Accrue(tx, "USDC", 300); err != nil {
		t.Fatal(err)
	}
	if err := rb.Withdraw(tx, "USDC", 200); err != nil {
		t.Fatal(err)
	}
	if err := rb.Withdraw(tx, "USDC", 101); !errors.Is(err, ledger.ErrInsufficientReserve) {
		t.Errorf("expected ErrInsufficientReserve, got %v", err)
	}
	if rb.Get("USDC") != 100 {
		t.Errorf("got %d, want 100", rb.Get("USDC"))
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	b := ledger.NewBatch("evt-1", 1, 0)
	b.Add(ledger.JournalTypeCollateralAdd,
		ledger.NewPartyAccountKey(trader, ledger.SubTypeCollateral, "USDC"),
		ledger.NewPartyAccountKey(trader, ledger.SubTypeBank, "USDC"),
		"USDC", 0)

	if err := b.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	same := ledger.NewPartyAccountKey(trader, ledger.SubTypeCollateral, "USDC")
	b := ledger.NewBatch("evt-2", 2, 0)
	b.Add(ledger.JournalTypeCollateralAdd, same, same, "USDC", 100)

	if err := b.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	b := ledger.NewBatch("evt-3", 3, 0)
	b.Add(ledger.JournalTypeCollateralAdd,
		ledger.NewPartyAccountKey(trader, ledger.SubTypeCollateral, "USDC"),
		ledger.NewSystemAccountKey(ledger.SubTypeCustody, "USDC"),
		"USDC", 100)
	b.Journals[0].BatchID = uuid.New()

	if err := b.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

func TestAccountKey_Paths(t *testing.T) {
	k := ledger.NewPartyAccountKey(trader, ledger.SubTypeCollateral, "USDC")
	want := "party:" + trader.Hex() + ":collateral:USDC"
	if k.AccountPath() != want {
		t.Errorf("got %q, want %q", k.AccountPath(), want)
	}

	s := ledger.NewSystemAccountKey(ledger.SubTypeReserve, "WETH")
	if s.AccountPath() != "system:reserve:WETH" {
		t.Errorf("got %q", s.AccountPath())
	}
}
