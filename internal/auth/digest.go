package auth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Canonical type strings, EIP-712 style. The recipient is bound into every
// request digest even though it is not a request field: a request can never
// be replayed against a different payout recipient. Field order here is the
// single source of truth for digest construction.
var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	positionUpdateTypeHash = ethcrypto.Keccak256(
		[]byte("PositionUpdate(string asset,int256 delta)"),
	)

	tokenAmountTypeHash = ethcrypto.Keccak256(
		[]byte("TokenAmount(string asset,uint256 amount)"),
	)

	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("SettlementRequest(uint256 nonce,uint256 deadline,address counterparty,PositionUpdate[] updates,address recipient)"),
	)

	removeCollateralTypeHash = ethcrypto.Keccak256(
		[]byte("RemoveCollateralRequest(uint256 nonce,uint256 deadline,address counterparty,TokenAmount[] tokens,address recipient)"),
	)

	liquidationTypeHash = ethcrypto.Keccak256(
		[]byte("LiquidationRequest(uint256 nonce,uint256 deadline,address counterparty,PositionUpdate[] updates,TokenAmount[] claims,address recipient)"),
	)
)

// Domain is the digest domain separator context.
type Domain struct {
	sep []byte
}

// NewDomain builds the cached domain separator for this vault deployment.
func NewDomain(name, version string, chainID int64) *Domain {
	sep := ethcrypto.Keccak256(concat(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		uintTo32Bytes(big.NewInt(chainID)),
	))
	return &Domain{sep: sep}
}

// SettlementDigest computes the signable digest for a settlement request,
// binding the counterparty's resolved payout recipient.
func (d *Domain) SettlementDigest(req *SettlementRequest, recipient common.Address) []byte {
	structHash := ethcrypto.Keccak256(concat(
		settlementTypeHash,
		uintTo32Bytes(new(big.Int).SetUint64(req.Nonce)),
		uintTo32Bytes(big.NewInt(req.Deadline)),
		common.LeftPadBytes(req.Counterparty.Bytes(), 32),
		hashPositionUpdates(req.Updates),
		common.LeftPadBytes(recipient.Bytes(), 32),
	))
	return d.finalize(structHash)
}

// RemoveCollateralDigest computes the signable digest for a collateral
// withdrawal request.
func (d *Domain) RemoveCollateralDigest(req *RemoveCollateralRequest, recipient common.Address) []byte {
	structHash := ethcrypto.Keccak256(concat(
		removeCollateralTypeHash,
		uintTo32Bytes(new(big.Int).SetUint64(req.Nonce)),
		uintTo32Bytes(big.NewInt(req.Deadline)),
		common.LeftPadBytes(req.Counterparty.Bytes(), 32),
		hashTokenAmounts(req.Tokens),
		common.LeftPadBytes(recipient.Bytes(), 32),
	))
	return d.finalize(structHash)
}

// LiquidationDigest computes the signable digest for a liquidation request.
// The bound recipient is the liquidator's own, not the counterparty's.
func (d *Domain) LiquidationDigest(req *LiquidationRequest, liquidatorRecipient common.Address) []byte {
	structHash := ethcrypto.Keccak256(concat(
		liquidationTypeHash,
		uintTo32Bytes(new(big.Int).SetUint64(req.Nonce)),
		uintTo32Bytes(big.NewInt(req.Deadline)),
		common.LeftPadBytes(req.Counterparty.Bytes(), 32),
		hashPositionUpdates(req.Updates),
		hashTokenAmounts(req.ClaimCollaterals),
		common.LeftPadBytes(liquidatorRecipient.Bytes(), 32),
	))
	return d.finalize(structHash)
}

// finalize computes keccak256("\x19\x01" || domainSeparator || structHash).
func (d *Domain) finalize(structHash []byte) []byte {
	return ethcrypto.Keccak256(concat([]byte{0x19, 0x01}, d.sep, structHash))
}

func hashPositionUpdates(updates []PositionUpdate) []byte {
	encoded := make([]byte, 0, len(updates)*32)
	for _, u := range updates {
		h := ethcrypto.Keccak256(concat(
			positionUpdateTypeHash,
			ethcrypto.Keccak256([]byte(u.Asset)),
			intTo32Bytes(u.Delta),
		))
		encoded = append(encoded, h...)
	}
	return ethcrypto.Keccak256(encoded)
}

func hashTokenAmounts(tokens []TokenAmount) []byte {
	encoded := make([]byte, 0, len(tokens)*32)
	for _, t := range tokens {
		h := ethcrypto.Keccak256(concat(
			tokenAmountTypeHash,
			ethcrypto.Keccak256([]byte(t.Asset)),
			uintTo32Bytes(big.NewInt(t.Amount)),
		))
		encoded = append(encoded, h...)
	}
	return ethcrypto.Keccak256(encoded)
}

// uintTo32Bytes encodes a non-negative big.Int as a 32-byte big-endian word.
func uintTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

var twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// intTo32Bytes encodes a signed value as a 32-byte two's-complement word.
func intTo32Bytes(v int64) []byte {
	n := big.NewInt(v)
	if v < 0 {
		n.Add(n, twoPow256)
	}
	return uintTo32Bytes(n)
}

func concat(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
