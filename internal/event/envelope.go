package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeOpen
	EventTypeSettlementApplied
	EventTypeRepaymentApplied
	EventTypeCollateralAdded
	EventTypeCollateralRemoved
	EventTypeLiquidationApplied
	EventTypeEpochSettled
	EventTypeYieldDistributed
	EventTypePoolDeposited
	EventTypePoolRedeemed
	EventTypeClaimTransferred
	EventTypeExitFeesWithdrawn
	EventTypeReserveWithdrawn
	EventTypeAssetRegistered
	EventTypeCounterpartySet
	EventTypeLiquidatorSet
	EventTypeRoleGranted
	EventTypeRoleRevoked
	EventTypeRebalanceCapSet
	EventTypeExitFeeSet
	EventTypeFeeExemptSet
	EventTypeSignerSet
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the vault core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context (nullable for global events)
	Asset *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (venue feed only)
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the asset context (nil for global events)
	AssetID() *string

	// SourceSequence returns upstream ordering key (0 for API-originated events)
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeTradeOpen:
		return "TradeOpen"
	case EventTypeSettlementApplied:
		return "SettlementApplied"
	case EventTypeRepaymentApplied:
		return "RepaymentApplied"
	case EventTypeCollateralAdded:
		return "CollateralAdded"
	case EventTypeCollateralRemoved:
		return "CollateralRemoved"
	case EventTypeLiquidationApplied:
		return "LiquidationApplied"
	case EventTypeEpochSettled:
		return "EpochSettled"
	case EventTypeYieldDistributed:
		return "YieldDistributed"
	case EventTypePoolDeposited:
		return "PoolDeposited"
	case EventTypePoolRedeemed:
		return "PoolRedeemed"
	case EventTypeClaimTransferred:
		return "ClaimTransferred"
	case EventTypeExitFeesWithdrawn:
		return "ExitFeesWithdrawn"
	case EventTypeReserveWithdrawn:
		return "ReserveWithdrawn"
	case EventTypeAssetRegistered:
		return "AssetRegistered"
	case EventTypeCounterpartySet:
		return "CounterpartySet"
	case EventTypeLiquidatorSet:
		return "LiquidatorSet"
	case EventTypeRoleGranted:
		return "RoleGranted"
	case EventTypeRoleRevoked:
		return "RoleRevoked"
	case EventTypeRebalanceCapSet:
		return "RebalanceCapSet"
	case EventTypeExitFeeSet:
		return "ExitFeeSet"
	case EventTypeFeeExemptSet:
		return "FeeExemptSet"
	case EventTypeSignerSet:
		return "SignerSet"
	default:
		return "Unknown"
	}
}

// PositionDelta is a signed position change for one asset.
type PositionDelta struct {
	Asset string `json:"asset"`
	Delta int64  `json:"delta"`
}

// AssetAmount pairs an asset symbol with an unsigned amount.
type AssetAmount struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}
