package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EpochEntry is one counterparty's line in a funding settlement batch. The
// funding fee is distributed to the asset's pool as yield; the reserve fee
// accrues to the protocol reserve; both debit the counterparty's position.
type EpochEntry struct {
	Counterparty common.Address `json:"counterparty"`
	Asset        string         `json:"asset"`
	FundingFee   int64          `json:"fundingFee"`
	ReserveFee   int64          `json:"reserveFee"`
}

// EpochSettled records one atomic funding settlement batch. Either every
// entry applied or none did.
type EpochSettled struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Entries   []EpochEntry   `json:"entries"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *EpochSettled) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *EpochSettled) EventType() EventType {
	return EventTypeEpochSettled
}

func (e *EpochSettled) AssetID() *string {
	return nil
}

func (e *EpochSettled) SourceSequence() int64 {
	return 0
}

// YieldDistributed records a standalone yield credit to one pool outside an
// epoch batch.
type YieldDistributed struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Asset     string         `json:"asset"`
	Amount    int64          `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (y *YieldDistributed) IdempotencyKey() string {
	return y.RequestID.String()
}

func (y *YieldDistributed) EventType() EventType {
	return EventTypeYieldDistributed
}

func (y *YieldDistributed) AssetID() *string {
	a := y.Asset
	return &a
}

func (y *YieldDistributed) SourceSequence() int64 {
	return 0
}
