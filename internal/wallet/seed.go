package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// SeedSize is the length of a master seed in bytes (512 bits), the input
// NewMasterKey expects.
const SeedSize = 64

// SeedFromMnemonic stretches a recovery phrase (plus an optional BIP-39
// passphrase — distinct from the key store's encryption passphrase) into
// the wallet's master seed. The phrase is checksum-verified first so a
// mistyped restore fails here rather than deriving a silently different
// wallet.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid recovery phrase")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive master seed: %w", err)
	}
	return seed, nil
}
