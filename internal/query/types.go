package query

import "github.com/ethereum/go-ethereum/common"

// BalanceResponse is one counterparty's ledger state for a single asset,
// read from projections. All responses carry as_of_sequence for freshness.
type BalanceResponse struct {
	Counterparty common.Address `json:"counterparty"`
	Asset        string         `json:"asset"`

	// Ledger balances (from journal entries)
	Position   int64 `json:"position"`
	Collateral int64 `json:"collateral"`
	PoolShares int64 `json:"pool_shares"`
	BankPaid   int64 `json:"bank_paid"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolStatsResponse is the projected state of one asset's share pool.
type PoolStatsResponse struct {
	Asset           string `json:"asset"`
	TotalUnderlying int64  `json:"total_underlying"`
	AccruedExitFees int64  `json:"accrued_exit_fees"`
	Reserve         int64  `json:"reserve"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// EpochHistoryResponse is one funding settlement line for a counterparty.
type EpochHistoryResponse struct {
	Sequence     int64  `json:"sequence"`
	RequestID    string `json:"request_id"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	FundingFee   int64  `json:"funding_fee"`
	ReserveFee   int64  `json:"reserve_fee"`
	YieldAmount  int64  `json:"yield_amount"`
	SettledAt    string `json:"settled_at"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry is a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose global balance sum is non-zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
