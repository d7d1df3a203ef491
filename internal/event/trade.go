package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TradeOpen is a position open or adjustment reported by the trading venue.
// Venue identifies the reporting feed and must hold the venue role. The
// counterparty receives assetOut exposure and gives up assetIn exposure.
// Idempotency key: trade_id (UUID from the venue).
type TradeOpen struct {
	TradeID       uuid.UUID      `json:"tradeId"`
	Venue         common.Address `json:"venue"`
	Counterparty  common.Address `json:"counterparty"`
	AssetOut      string         `json:"assetOut"`
	AmountOut     int64          `json:"amountOut"`
	AssetIn       string         `json:"assetIn"`
	AmountIn      int64          `json:"amountIn"`
	VenueSequence int64          `json:"venueSequence"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (t *TradeOpen) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *TradeOpen) EventType() EventType {
	return EventTypeTradeOpen
}

func (t *TradeOpen) AssetID() *string {
	a := t.AssetOut
	return &a
}

func (t *TradeOpen) SourceSequence() int64 {
	return t.VenueSequence
}
