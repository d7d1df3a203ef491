package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CollateralAdded records unsigned collateral top-up for a counterparty.
type CollateralAdded struct {
	RequestID    uuid.UUID      `json:"requestId"`
	Caller       common.Address `json:"caller"`
	Counterparty common.Address `json:"counterparty"`
	Asset        string         `json:"asset"`
	Amount       int64          `json:"amount"` // amount actually received by custody
	Timestamp    time.Time      `json:"timestamp"`
}

func (c *CollateralAdded) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CollateralAdded) EventType() EventType {
	return EventTypeCollateralAdded
}

func (c *CollateralAdded) AssetID() *string {
	a := c.Asset
	return &a
}

func (c *CollateralAdded) SourceSequence() int64 {
	return 0
}

// CollateralRemoved records a signed collateral withdrawal paid to the
// counterparty's pinned recipient after the limiter admitted each token.
type CollateralRemoved struct {
	RequestID    uuid.UUID      `json:"requestId"`
	Caller       common.Address `json:"caller"`
	Counterparty common.Address `json:"counterparty"`
	Recipient    common.Address `json:"recipient"`
	Nonce        uint64         `json:"nonce"`
	Tokens       []AssetAmount  `json:"tokens"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (c *CollateralRemoved) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CollateralRemoved) EventType() EventType {
	return EventTypeCollateralRemoved
}

func (c *CollateralRemoved) AssetID() *string {
	return nil
}

func (c *CollateralRemoved) SourceSequence() int64 {
	return 0
}

// LiquidationApplied records a signed liquidation: closing position updates
// plus collateral claimed to the liquidator's configured recipient.
type LiquidationApplied struct {
	RequestID    uuid.UUID       `json:"requestId"`
	Liquidator   common.Address  `json:"liquidator"`
	Counterparty common.Address  `json:"counterparty"`
	Recipient    common.Address  `json:"recipient"`
	Nonce        uint64          `json:"nonce"`
	Updates      []PositionDelta `json:"updates"`
	Claimed      []AssetAmount   `json:"claimed"`
	Collected    []AssetAmount   `json:"collected"`
	PaidOut      []AssetAmount   `json:"paidOut"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (l *LiquidationApplied) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidationApplied) EventType() EventType {
	return EventTypeLiquidationApplied
}

func (l *LiquidationApplied) AssetID() *string {
	return nil
}

func (l *LiquidationApplied) SourceSequence() int64 {
	return 0
}
