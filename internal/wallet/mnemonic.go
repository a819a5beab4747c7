// Package wallet implements the encrypted key store and the HD key
// derivation behind it.
package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// Recovery-phrase shape. A wallet's master seed is backed up as a 24-word
// BIP-39 phrase; the phrase alone recreates every derived key, so it is
// shown exactly once at wallet creation.
const (
	// MnemonicEntropyBits is the entropy behind a new recovery phrase.
	MnemonicEntropyBits = 256

	// MnemonicWords is the resulting phrase length.
	MnemonicWords = 24
)

// GenerateMnemonic creates the recovery phrase for a new wallet.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("recovery phrase entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("recovery phrase: %w", err)
	}
	return mnemonic, nil
}

// MnemonicFromEntropy builds the deterministic phrase for fixed entropy.
// Restores and tests use this; fresh wallets go through GenerateMnemonic.
func MnemonicFromEntropy(entropy []byte) (string, error) {
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("recovery phrase from entropy: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether a phrase is well-formed per BIP-39:
// known words, supported length, matching checksum. Called before any
// restore touches the key store.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}
