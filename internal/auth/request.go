// Package auth verifies signed, replay-protected, deadline-bounded requests
// against the single trusted signer configured for the vault.
package auth

import (
	"github.com/ethereum/go-ethereum/common"
)

// PositionUpdate is one closing-type delta inside a signed request.
type PositionUpdate struct {
	Asset string `json:"asset"`
	Delta int64  `json:"delta"`
}

// TokenAmount is one unsigned asset amount inside a signed request.
type TokenAmount struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// SettlementRequest authorizes closing position updates for a counterparty.
// Field order is normative for digest construction.
type SettlementRequest struct {
	Nonce        uint64           `json:"nonce"`
	Deadline     int64            `json:"deadline"` // unix seconds
	Counterparty common.Address   `json:"counterparty"`
	Updates      []PositionUpdate `json:"positionUpdates"`
}

// RemoveCollateralRequest authorizes collateral withdrawal.
type RemoveCollateralRequest struct {
	Nonce        uint64         `json:"nonce"`
	Deadline     int64          `json:"deadline"`
	Counterparty common.Address `json:"counterparty"`
	Tokens       []TokenAmount  `json:"tokens"`
}

// LiquidationRequest authorizes a forced close of an underwater counterparty.
type LiquidationRequest struct {
	Nonce            uint64           `json:"nonce"`
	Deadline         int64            `json:"deadline"`
	Counterparty     common.Address   `json:"counterparty"`
	Updates          []PositionUpdate `json:"positionUpdates"`
	ClaimCollaterals []TokenAmount    `json:"claimCollaterals"`
}
