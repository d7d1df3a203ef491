package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType tags the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeTradeOpen JournalType = iota
	JournalTypeSettlementCollect
	JournalTypeSettlementPayout
	JournalTypeRepayment
	JournalTypeCollateralAdd
	JournalTypeCollateralRemove
	JournalTypeLiquidationCollect
	JournalTypeLiquidationPayout
	JournalTypeCollateralClaim
	JournalTypeFundingYield
	JournalTypeReserveAccrual
	JournalTypeFeeDebit
	JournalTypePoolDeposit
	JournalTypePoolRedeem
	JournalTypeExitFee
	JournalTypeClaimTransfer
	JournalTypeReserveWithdraw
)

// Journal is a single double-entry record in the event log. The amount is
// always positive; direction is carried by the debit/credit accounts.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Asset         string
	Amount        int64
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds, versioned input
}

// Batch groups the journal entries produced by one atomic operation.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch creates an empty batch for one operation.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Add appends one entry; amount must be positive.
func (b *Batch) Add(jt JournalType, debit, credit AccountKey, asset string, amount int64) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate checks batch well-formedness. Each entry is balanced by
// construction (one positive amount moving credit -> debit); multi-leg
// operations use several entries under one batch id.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}
