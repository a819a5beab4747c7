// Package types defines core primitive types for the Unity chain.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash160Size is the length of a block or transaction id in bytes.
const Hash160Size = 20

// Hash256Size is the length of a digest in bytes.
const Hash256Size = 32

// Hash160 is a 160-bit hash. Block ids and transaction ids use this form.
type Hash160 [Hash160Size]byte

// Hash256 is a 256-bit digest, used for signing digests and proposal ids.
type Hash256 [Hash256Size]byte

// IsZero returns true if the hash is all zeros.
func (h Hash160) IsZero() bool {
	return h == Hash160{}
}

// String returns the hex-encoded hash.
func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash160) Bytes() []byte {
	b := make([]byte, Hash160Size)
	copy(b, h[:])
	return b
}

// Stake returns the first 8 bytes of the hash as a little-endian integer.
// Transactions carry this value to prove they were built against a recent
// block.
func (h Hash160) Stake() uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash160) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// MarshalText lets hashes serve as JSON map keys.
func (h Hash160) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex string key into a hash.
func (h *Hash160) UnmarshalText(text []byte) error {
	decoded, err := HexToHash160(string(text))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// UnmarshalJSON decodes a hex string into a hash.
func (h *Hash160) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash160{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(decoded) != Hash160Size {
		return fmt.Errorf("hash must be %d bytes, got %d", Hash160Size, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// HexToHash160 converts a hex string to a Hash160.
func HexToHash160(s string) (Hash160, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash160{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != Hash160Size {
		return Hash160{}, fmt.Errorf("hash must be %d bytes, got %d", Hash160Size, len(b))
	}
	var h Hash160
	copy(h[:], b)
	return h, nil
}

// IsZero returns true if the digest is all zeros.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// String returns the hex-encoded digest.
func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the digest as a byte slice.
func (h Hash256) Bytes() []byte {
	b := make([]byte, Hash256Size)
	copy(b, h[:])
	return b
}

// MarshalJSON encodes the digest as a hex string.
func (h Hash256) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into a digest.
func (h *Hash256) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash256{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(decoded) != Hash256Size {
		return fmt.Errorf("digest must be %d bytes, got %d", Hash256Size, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}
