package wallet

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// Encryption constants.
const (
	SaltSize = 32
	// Encrypted format: salt(32) | iterations(4) | aes-cbc envelope.
	headerSize = SaltSize + 4
	keySize    = 32
)

// DefaultIterations is the PBKDF2-SHA512 work factor for new wallets.
const DefaultIterations = 200_000

// deriveKey stretches a passphrase into an AES key.
func deriveKey(password, salt []byte, iterations uint32) []byte {
	return pbkdf2.Key(password, salt, int(iterations), keySize, sha512.New)
}

// Encrypt seals data under a passphrase: PBKDF2-SHA512 key stretching,
// then AES-256-CBC with an HMAC over the ciphertext.
//
// Output format: salt(32) | iterations(4) | iv | ciphertext | mac
func Encrypt(data, password []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(password, salt, DefaultIterations)

	sealed, err := crypto.EncryptCBC(data, key)
	if err != nil {
		return nil, err
	}
	for i := range key {
		key[i] = 0
	}

	out := make([]byte, 0, headerSize+len(sealed))
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, DefaultIterations)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens an Encrypt envelope.
func Decrypt(data, password []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("encrypted wallet too short")
	}
	salt := data[:SaltSize]
	iterations := binary.LittleEndian.Uint32(data[SaltSize:headerSize])
	if iterations == 0 || iterations > 10_000_000 {
		return nil, fmt.Errorf("implausible key-stretch iteration count %d", iterations)
	}
	key := deriveKey(password, salt, iterations)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return crypto.DecryptCBC(data[headerSize:], key)
}
