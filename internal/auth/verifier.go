package auth

import (
	"bytes"
	"fmt"
	"time"

	"creditvault/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrRequestExpired rejects a request past its deadline.
	ErrRequestExpired = fmt.Errorf("request expired")

	// ErrNonceUsed rejects a request whose nonce was already consumed.
	ErrNonceUsed = fmt.Errorf("nonce already used")

	// ErrInvalidSignature rejects a signature not made by the trusted signer.
	ErrInvalidSignature = fmt.Errorf("invalid signature")
)

// NonceSet is the global set-once nonce space. A consumed nonce is never
// reset; consumption inside an operation rides the operation's undo log so a
// later failure of the same call unwinds the mark.
type NonceSet struct {
	used map[uint64]bool
}

func NewNonceSet() *NonceSet {
	return &NonceSet{used: make(map[uint64]bool)}
}

// Consume marks the nonce used, failing if it already was.
func (n *NonceSet) Consume(tx *ledger.Txn, nonce uint64) error {
	if n.used[nonce] {
		return fmt.Errorf("%w: %d", ErrNonceUsed, nonce)
	}
	n.used[nonce] = true
	tx.Record(func() { delete(n.used, nonce) })
	return nil
}

// IsUsed reports whether a nonce has been consumed.
func (n *NonceSet) IsUsed(nonce uint64) bool {
	return n.used[nonce]
}

// All returns every consumed nonce, for snapshots.
func (n *NonceSet) All() []uint64 {
	out := make([]uint64, 0, len(n.used))
	for k := range n.used {
		out = append(out, k)
	}
	return out
}

// Restore marks a nonce used during snapshot recovery.
func (n *NonceSet) Restore(nonce uint64) {
	n.used[nonce] = true
}

// Verifier validates signed requests against the single trusted signer.
type Verifier struct {
	domain *Domain
	nonces *NonceSet
	signer common.Address
}

func NewVerifier(domain *Domain, nonces *NonceSet, signer common.Address) *Verifier {
	return &Verifier{domain: domain, nonces: nonces, signer: signer}
}

// Signer returns the currently trusted signer identity.
func (v *Verifier) Signer() common.Address {
	return v.signer
}

// SetSigner replaces the trusted signer. Admin path only.
func (v *Verifier) SetSigner(tx *ledger.Txn, signer common.Address) {
	prev := v.signer
	tx.Record(func() { v.signer = prev })
	v.signer = signer
}

// RestoreSigner directly sets the signer during snapshot recovery.
func (v *Verifier) RestoreSigner(signer common.Address) {
	v.signer = signer
}

// Verify checks freshness, consumes the nonce, and recovers the signer over
// the given digest. The nonce is consumed as soon as the deadline check
// passes: a request is single-use even when its signature turns out invalid.
func (v *Verifier) Verify(tx *ledger.Txn, now time.Time, nonce uint64, deadline int64, digest, sig []byte) error {
	if now.Unix() > deadline {
		return fmt.Errorf("%w: deadline=%d now=%d", ErrRequestExpired, deadline, now.Unix())
	}

	if err := v.nonces.Consume(tx, nonce); err != nil {
		return err
	}

	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != v.signer {
		return fmt.Errorf("%w: recovered %s, trusted %s", ErrInvalidSignature, recovered.Hex(), v.signer.Hex())
	}

	return nil
}

// RecoverSigner recovers the signing address from a 65-byte r||s||v
// signature over a 32-byte digest. Accepts v in {0,1} and {27,28}.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	norm := bytes.Clone(sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(digest, norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
