package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PoolDeposited records a share-pool deposit. Funds come from Depositor;
// shares and the cooldown stamp go to Recipient, which may be a third party.
// Received is the amount custody actually took in; Shares is what the
// recipient was credited after any first-deposit lock.
type PoolDeposited struct {
	RequestID uuid.UUID      `json:"requestId"`
	Depositor common.Address `json:"depositor"`
	Recipient common.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Requested int64          `json:"requested"`
	Received  int64          `json:"received"`
	Shares    int64          `json:"shares"`
	Timestamp time.Time      `json:"timestamp"`
}

func (p *PoolDeposited) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PoolDeposited) EventType() EventType {
	return EventTypePoolDeposited
}

func (p *PoolDeposited) AssetID() *string {
	a := p.Asset
	return &a
}

func (p *PoolDeposited) SourceSequence() int64 {
	return 0
}

// PoolRedeemed records a share-pool redemption with any early-exit fee.
// Shares burn from Holder; the net payout goes to Recipient.
type PoolRedeemed struct {
	RequestID uuid.UUID      `json:"requestId"`
	Holder    common.Address `json:"holder"`
	Recipient common.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Shares    int64          `json:"shares"`
	Gross     int64          `json:"gross"`
	Fee       int64          `json:"fee"`
	Net       int64          `json:"net"`
	Timestamp time.Time      `json:"timestamp"`
}

func (p *PoolRedeemed) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PoolRedeemed) EventType() EventType {
	return EventTypePoolRedeemed
}

func (p *PoolRedeemed) AssetID() *string {
	a := p.Asset
	return &a
}

func (p *PoolRedeemed) SourceSequence() int64 {
	return 0
}

// ClaimTransferred records a share-claim transfer between holders.
type ClaimTransferred struct {
	RequestID uuid.UUID      `json:"requestId"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Asset     string         `json:"asset"`
	Amount    int64          `json:"amount"` // underlying units
	Shares    int64          `json:"shares"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *ClaimTransferred) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *ClaimTransferred) EventType() EventType {
	return EventTypeClaimTransferred
}

func (c *ClaimTransferred) AssetID() *string {
	a := c.Asset
	return &a
}

func (c *ClaimTransferred) SourceSequence() int64 {
	return 0
}

// ExitFeesWithdrawn records draining accrued early-exit fees to a recipient.
type ExitFeesWithdrawn struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Recipient common.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Amount    int64          `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (w *ExitFeesWithdrawn) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *ExitFeesWithdrawn) EventType() EventType {
	return EventTypeExitFeesWithdrawn
}

func (w *ExitFeesWithdrawn) AssetID() *string {
	a := w.Asset
	return &a
}

func (w *ExitFeesWithdrawn) SourceSequence() int64 {
	return 0
}

// ReserveWithdrawn records a withdrawal from an asset's reserve balance.
type ReserveWithdrawn struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Recipient common.Address `json:"recipient"`
	Asset     string         `json:"asset"`
	Amount    int64          `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (w *ReserveWithdrawn) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *ReserveWithdrawn) EventType() EventType {
	return EventTypeReserveWithdrawn
}

func (w *ReserveWithdrawn) AssetID() *string {
	a := w.Asset
	return &a
}

func (w *ReserveWithdrawn) SourceSequence() int64 {
	return 0
}
