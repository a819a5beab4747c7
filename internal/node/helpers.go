package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/unityledger/unity-chain/pkg/crypto"
)

// loadSignerKey reads a hex-encoded 32-byte private key from a file.
func loadSignerKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signer key %s: %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("signer key %s is not hex: %w", path, err)
	}
	return crypto.PrivateKeyFromBytes(seed)
}
