package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AssetRegistered records one-time registration of an asset symbol.
type AssetRegistered struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Asset     string         `json:"asset"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a *AssetRegistered) IdempotencyKey() string { return a.RequestID.String() }
func (a *AssetRegistered) EventType() EventType   { return EventTypeAssetRegistered }
func (a *AssetRegistered) AssetID() *string       { s := a.Asset; return &s }
func (a *AssetRegistered) SourceSequence() int64  { return 0 }

// CounterpartySet records installing or replacing a counterparty config.
type CounterpartySet struct {
	RequestID    uuid.UUID      `json:"requestId"`
	Caller       common.Address `json:"caller"`
	Counterparty common.Address `json:"counterparty"`
	Settler      common.Address `json:"settler"`
	Recipient    common.Address `json:"recipient"`
	Enabled      bool           `json:"enabled"`
	Whitelisted  bool           `json:"whitelisted"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (c *CounterpartySet) IdempotencyKey() string { return c.RequestID.String() }
func (c *CounterpartySet) EventType() EventType   { return EventTypeCounterpartySet }
func (c *CounterpartySet) AssetID() *string       { return nil }
func (c *CounterpartySet) SourceSequence() int64  { return 0 }

// LiquidatorSet records installing or replacing a liquidator config.
type LiquidatorSet struct {
	RequestID  uuid.UUID      `json:"requestId"`
	Caller     common.Address `json:"caller"`
	Liquidator common.Address `json:"liquidator"`
	Recipient  common.Address `json:"recipient"`
	Enabled    bool           `json:"enabled"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (l *LiquidatorSet) IdempotencyKey() string { return l.RequestID.String() }
func (l *LiquidatorSet) EventType() EventType   { return EventTypeLiquidatorSet }
func (l *LiquidatorSet) AssetID() *string       { return nil }
func (l *LiquidatorSet) SourceSequence() int64  { return 0 }

// RoleGranted records a role assignment.
type RoleGranted struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Role      string         `json:"role"`
	Grantee   common.Address `json:"grantee"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r *RoleGranted) IdempotencyKey() string { return r.RequestID.String() }
func (r *RoleGranted) EventType() EventType   { return EventTypeRoleGranted }
func (r *RoleGranted) AssetID() *string       { return nil }
func (r *RoleGranted) SourceSequence() int64  { return 0 }

// RoleRevoked records a role removal.
type RoleRevoked struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Role      string         `json:"role"`
	Revokee   common.Address `json:"revokee"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r *RoleRevoked) IdempotencyKey() string { return r.RequestID.String() }
func (r *RoleRevoked) EventType() EventType   { return EventTypeRoleRevoked }
func (r *RoleRevoked) AssetID() *string       { return nil }
func (r *RoleRevoked) SourceSequence() int64  { return 0 }

// RebalanceCapSet records replacing an operator's daily outflow cap for one
// asset. Usage resets with the cap.
type RebalanceCapSet struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Operator  common.Address `json:"operator"`
	Asset     string         `json:"asset"`
	Limit     int64          `json:"limit"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *RebalanceCapSet) IdempotencyKey() string { return c.RequestID.String() }
func (c *RebalanceCapSet) EventType() EventType   { return EventTypeRebalanceCapSet }
func (c *RebalanceCapSet) AssetID() *string       { s := c.Asset; return &s }
func (c *RebalanceCapSet) SourceSequence() int64  { return 0 }

// ExitFeeSet records replacing a pool's early-exit fee rate.
type ExitFeeSet struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Asset     string         `json:"asset"`
	FeeBips   int64          `json:"feeBips"`
	Timestamp time.Time      `json:"timestamp"`
}

func (f *ExitFeeSet) IdempotencyKey() string { return f.RequestID.String() }
func (f *ExitFeeSet) EventType() EventType   { return EventTypeExitFeeSet }
func (f *ExitFeeSet) AssetID() *string       { s := f.Asset; return &s }
func (f *ExitFeeSet) SourceSequence() int64  { return 0 }

// FeeExemptSet records toggling a holder's cooldown-fee exemption.
type FeeExemptSet struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Asset     string         `json:"asset"`
	Holder    common.Address `json:"holder"`
	Exempt    bool           `json:"exempt"`
	Timestamp time.Time      `json:"timestamp"`
}

func (f *FeeExemptSet) IdempotencyKey() string { return f.RequestID.String() }
func (f *FeeExemptSet) EventType() EventType   { return EventTypeFeeExemptSet }
func (f *FeeExemptSet) AssetID() *string       { s := f.Asset; return &s }
func (f *FeeExemptSet) SourceSequence() int64  { return 0 }

// SignerSet records rotating the authorization signer key.
type SignerSet struct {
	RequestID uuid.UUID      `json:"requestId"`
	Caller    common.Address `json:"caller"`
	Signer    common.Address `json:"signer"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *SignerSet) IdempotencyKey() string { return s.RequestID.String() }
func (s *SignerSet) EventType() EventType   { return EventTypeSignerSet }
func (s *SignerSet) AssetID() *string       { return nil }
func (s *SignerSet) SourceSequence() int64  { return 0 }
