package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SettlementApplied records a signed settlement request that passed
// verification and was applied in full. Positive deltas were collected from
// the caller; the sum of negative deltas was paid to the counterparty's
// pinned recipient after the rebalance limiter admitted it.
// Idempotency key: request_id (assigned at ingress).
type SettlementApplied struct {
	RequestID    uuid.UUID       `json:"requestId"`
	Caller       common.Address  `json:"caller"`
	Counterparty common.Address  `json:"counterparty"`
	Recipient    common.Address  `json:"recipient"`
	Nonce        uint64          `json:"nonce"`
	Updates      []PositionDelta `json:"updates"`
	Collected    []AssetAmount   `json:"collected"`
	PaidOut      []AssetAmount   `json:"paidOut"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (s *SettlementApplied) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SettlementApplied) EventType() EventType {
	return EventTypeSettlementApplied
}

func (s *SettlementApplied) AssetID() *string {
	return nil
}

func (s *SettlementApplied) SourceSequence() int64 {
	return 0
}

// RepaymentApplied records an unsigned debt repayment: every delta positive,
// every update a strict move toward zero, with the full amount collected
// from the caller. No limiter and no payout.
type RepaymentApplied struct {
	RequestID    uuid.UUID       `json:"requestId"`
	Caller       common.Address  `json:"caller"`
	Counterparty common.Address  `json:"counterparty"`
	Updates      []PositionDelta `json:"updates"`
	Collected    []AssetAmount   `json:"collected"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (r *RepaymentApplied) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RepaymentApplied) EventType() EventType {
	return EventTypeRepaymentApplied
}

func (r *RepaymentApplied) AssetID() *string {
	return nil
}

func (r *RepaymentApplied) SourceSequence() int64 {
	return 0
}
