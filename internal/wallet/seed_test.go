package wallet

import (
	"bytes"
	"testing"
)

func restorePhrase(t *testing.T) string {
	t.Helper()
	mnemonic, err := MnemonicFromEntropy(fixedEntropy())
	if err != nil {
		t.Fatal(err)
	}
	return mnemonic
}

func TestSeedFromMnemonicShape(t *testing.T) {
	seed, err := SeedFromMnemonic(restorePhrase(t), "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if len(seed) != SeedSize {
		t.Errorf("seed length = %d, want %d", len(seed), SeedSize)
	}
}

// The whole point of the recovery phrase: the same phrase always rebuilds
// the same wallet.
func TestSeedFromMnemonicDeterministic(t *testing.T) {
	s1, err := SeedFromMnemonic(restorePhrase(t), "")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := SeedFromMnemonic(restorePhrase(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("identical phrase derived different seeds")
	}

	// And the derived keys agree too.
	k1, err := NewMasterKey(s1)
	if err != nil {
		t.Fatalf("NewMasterKey() error: %v", err)
	}
	k2, err := NewMasterKey(s2)
	if err != nil {
		t.Fatal(err)
	}
	a1, err := k1.DeriveAddress(0, ChangeExternal, 0)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := k2.DeriveAddress(0, ChangeExternal, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Address() != a2.Address() {
		t.Error("restored wallets derived different addresses")
	}
}

// The BIP-39 passphrase salts the seed: different passphrase, different
// wallet.
func TestSeedFromMnemonicPassphraseSalts(t *testing.T) {
	plain, err := SeedFromMnemonic(restorePhrase(t), "")
	if err != nil {
		t.Fatal(err)
	}
	salted, err := SeedFromMnemonic(restorePhrase(t), "extra words")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(plain, salted) {
		t.Error("passphrase must change the derived seed")
	}
}

func TestSeedFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	if _, err := SeedFromMnemonic("not a real recovery phrase", ""); err == nil {
		t.Error("invalid phrase must not derive a seed")
	}
}
