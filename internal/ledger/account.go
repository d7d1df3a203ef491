package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope is the top-level account namespace in the journal.
type AccountScope uint8

const (
	AccountScopeParty AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType identifies the purpose of a journal account.
type AccountSubType uint8

const (
	// Party sub-types
	SubTypePosition AccountSubType = iota
	SubTypeCollateral
	SubTypePoolShares
	SubTypeBank

	// System sub-types
	SubTypeCustody
	SubTypePoolUnderlying
	SubTypeReserve
	SubTypeExitFees

	// External sub-types
	SubTypeExternalVenue
)

// AccountKey identifies one side of a journal entry. Party accounts carry the
// counterparty/holder address; system and external accounts do not.
type AccountKey struct {
	Scope   AccountScope
	Party   common.Address
	SubType AccountSubType
	Asset   string
}

func NewPartyAccountKey(party common.Address, subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeParty, Party: party, SubType: subType, Asset: asset}
}

func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType, Asset: asset}
}

func NewExternalAccountKey(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalVenue, Asset: asset}
}

// AccountPath returns the string form used in the event log and projections.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeParty:
		return fmt.Sprintf("party:%s:%s:%s", k.Party.Hex(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePosition:
		return "position"
	case SubTypeCollateral:
		return "collateral"
	case SubTypePoolShares:
		return "pool_shares"
	case SubTypeBank:
		return "bank"
	case SubTypeCustody:
		return "custody"
	case SubTypePoolUnderlying:
		return "pool_underlying"
	case SubTypeReserve:
		return "reserve"
	case SubTypeExitFees:
		return "exit_fees"
	case SubTypeExternalVenue:
		return "venue"
	default:
		return "unknown"
	}
}
