package types

import (
	"strings"
	"testing"
)

func TestAddressRoundtrip(t *testing.T) {
	var a Address
	for i := range a {
		a[i] = byte(i * 7)
	}
	s := a.String()
	parsed, err := ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q) error: %v", s, err)
	}
	if parsed != a {
		t.Errorf("roundtrip = %v, want %v", parsed, a)
	}
}

func TestParseAddressRejectsBadChecksum(t *testing.T) {
	var a Address
	a[0] = 1
	s := a.String()
	// Flip a character; base58 alphabet excludes '0' so swap two letters.
	mutated := strings.Replace(s, string(s[len(s)-1]), "2", 1)
	if mutated == s {
		mutated = "3" + s[1:]
	}
	if _, err := ParseAddress(mutated); err == nil {
		t.Error("mutated address should fail checksum")
	}
}

func TestPtsAddressRoundtrip(t *testing.T) {
	var keyHash [AddressSize]byte
	for i := range keyHash {
		keyHash[i] = byte(255 - i)
	}
	p := NewPtsAddress(keyHash)
	if !p.Valid() {
		t.Fatal("fresh pts address must validate")
	}
	parsed, err := ParsePtsAddress(p.String())
	if err != nil {
		t.Fatalf("ParsePtsAddress() error: %v", err)
	}
	if parsed != p {
		t.Errorf("roundtrip = %v, want %v", parsed, p)
	}
	if parsed.KeyHash() != keyHash {
		t.Error("key hash lost in roundtrip")
	}
}

func TestBase58LeadingZeros(t *testing.T) {
	in := []byte{0, 0, 1, 2, 3}
	out, err := Base58Decode(Base58Encode(in))
	if err != nil {
		t.Fatalf("Base58Decode() error: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("roundtrip = %v, want %v", out, in)
	}
}

func TestBase58RejectsInvalidChars(t *testing.T) {
	if _, err := Base58Decode("0OIl"); err == nil {
		t.Error("ambiguous characters should be rejected")
	}
}
