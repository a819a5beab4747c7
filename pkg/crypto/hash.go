// Package crypto provides cryptographic primitives for the Unity chain.
package crypto

import (
	"crypto/sha256"

	"github.com/unityledger/unity-chain/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ripemd160"
)

// Sha256 computes a SHA-256 digest of the input data.
func Sha256(data []byte) types.Hash256 {
	return sha256.Sum256(data)
}

// DoubleSha256 computes Sha256(Sha256(data)).
func DoubleSha256(data []byte) types.Hash256 {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash160 computes RIPEMD160(SHA256(data)). Block ids, transaction ids,
// and address payloads all use this form.
func Hash160(data []byte) types.Hash160 {
	first := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(first[:])
	var h types.Hash160
	copy(h[:], r.Sum(nil))
	return h
}

// AddressFromPubKey derives an address from a compressed public key.
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash160(pubKey)
	var addr types.Address
	copy(addr[:], h[:])
	return addr
}

// PtsAddressFromPubKey derives the legacy PTS address form from a
// compressed public key.
func PtsAddressFromPubKey(pubKey []byte) types.PtsAddress {
	h := Hash160(pubKey)
	var keyHash [types.AddressSize]byte
	copy(keyHash[:], h[:])
	return types.NewPtsAddress(keyHash)
}

// HashConcat hashes the concatenation of two 160-bit hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash160) types.Hash160 {
	var buf [2 * types.Hash160Size]byte
	copy(buf[:types.Hash160Size], a[:])
	copy(buf[types.Hash160Size:], b[:])
	return Hash160(buf[:])
}

// CheckHash computes the BLAKE3-256 integrity check carried in wire-frame
// envelopes. Not part of consensus.
func CheckHash(data []byte) types.Hash256 {
	return blake3.Sum256(data)
}
