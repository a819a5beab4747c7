package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/unityledger/unity-chain/pkg/types"
)

// CompactSigSize is the length of a recoverable compact signature.
const CompactSigSize = 65

// PrivateKey wraps a secp256k1 private key for compact ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// SignCompact produces a 65-byte recoverable signature over a 32-byte
// digest. The signer's public key — and hence address — can be recovered
// from the signature alone.
func (pk *PrivateKey) SignCompact(digest types.Hash256) ([]byte, error) {
	return ecdsa.SignCompact(pk.key, digest[:], true), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Address returns the address derived from the key's public key.
func (pk *PrivateKey) Address() types.Address {
	return AddressFromPubKey(pk.PublicKey())
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// RecoverPubKey recovers the compressed public key that produced a compact
// signature over the given digest.
func RecoverPubKey(digest types.Hash256, sig []byte) ([]byte, error) {
	if len(sig) != CompactSigSize {
		return nil, fmt.Errorf("compact signature must be %d bytes, got %d", CompactSigSize, len(sig))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return nil, fmt.Errorf("recover pubkey: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// RecoverAddress recovers the signer's address from a compact signature.
func RecoverAddress(digest types.Hash256, sig []byte) (types.Address, error) {
	pub, err := RecoverPubKey(digest, sig)
	if err != nil {
		return types.Address{}, err
	}
	return AddressFromPubKey(pub), nil
}

// VerifySignature checks that a compact signature over digest was produced
// by the key behind addr. Returns false on any error.
func VerifySignature(digest types.Hash256, sig []byte, addr types.Address) bool {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
