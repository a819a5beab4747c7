package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// AddressSize is the length of an address payload in bytes: the RIPEMD-160
// digest of a compressed public key.
const AddressSize = 20

// ptsVersionByte is the network version prefix used by legacy PTS
// addresses imported from bitcoin-style wallets.
const ptsVersionByte = 56

// Address identifies the owner of an output: RIPEMD160(SHA256(pubkey)).
// The string form appends a 4-byte checksum and encodes base58.
type Address [AddressSize]byte

// PtsAddress is the legacy base58check form (version byte, 160-bit key
// hash, 4-byte checksum) used for keys imported from PTS wallets.
type PtsAddress [25]byte

// checksum4 is the first four bytes of a double SHA-256.
func checksum4(b []byte) [4]byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	var c [4]byte
	copy(c[:], second[:4])
	return c
}

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the base58 form with checksum.
func (a Address) String() string {
	c := checksum4(a[:])
	buf := make([]byte, 0, AddressSize+4)
	buf = append(buf, a[:]...)
	buf = append(buf, c[:]...)
	return Base58Encode(buf)
}

// Bytes returns a copy of the address payload.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the address as its base58 string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a base58 string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses and checksum-verifies a base58 address string.
func ParseAddress(s string) (Address, error) {
	raw, err := Base58Decode(s)
	if err != nil {
		return Address{}, err
	}
	if len(raw) != AddressSize+4 {
		return Address{}, fmt.Errorf("address must decode to %d bytes, got %d", AddressSize+4, len(raw))
	}
	c := checksum4(raw[:AddressSize])
	if !bytes.Equal(c[:], raw[AddressSize:]) {
		return Address{}, fmt.Errorf("address checksum mismatch")
	}
	var a Address
	copy(a[:], raw[:AddressSize])
	return a, nil
}

// NewPtsAddress builds a PTS address from a 160-bit key hash.
func NewPtsAddress(keyHash [AddressSize]byte) PtsAddress {
	var p PtsAddress
	p[0] = ptsVersionByte
	copy(p[1:21], keyHash[:])
	c := checksum4(p[:21])
	copy(p[21:], c[:])
	return p
}

// KeyHash returns the 160-bit key hash carried by the PTS address.
func (p PtsAddress) KeyHash() (h [AddressSize]byte) {
	copy(h[:], p[1:21])
	return h
}

// IsZero returns true if the PTS address is all zeros.
func (p PtsAddress) IsZero() bool {
	return p == PtsAddress{}
}

// Valid checks the embedded checksum and version byte.
func (p PtsAddress) Valid() bool {
	if p[0] != ptsVersionByte {
		return false
	}
	c := checksum4(p[:21])
	return bytes.Equal(c[:], p[21:])
}

// String returns the base58check form.
func (p PtsAddress) String() string {
	return Base58Encode(p[:])
}

// MarshalJSON encodes the PTS address as its base58 string.
func (p PtsAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a base58 string into a PTS address.
func (p *PtsAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = PtsAddress{}
		return nil
	}
	parsed, err := ParsePtsAddress(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePtsAddress parses and verifies a base58check PTS address string.
func ParsePtsAddress(s string) (PtsAddress, error) {
	raw, err := Base58Decode(s)
	if err != nil {
		return PtsAddress{}, err
	}
	if len(raw) != 25 {
		return PtsAddress{}, fmt.Errorf("pts address must decode to 25 bytes, got %d", len(raw))
	}
	var p PtsAddress
	copy(p[:], raw)
	if !p.Valid() {
		return PtsAddress{}, fmt.Errorf("pts address checksum mismatch")
	}
	return p, nil
}
