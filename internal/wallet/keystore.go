package wallet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Keystore errors.
var (
	ErrLocked       = errors.New("wallet is locked")
	ErrKeyNotFound  = errors.New("key not found in wallet")
	ErrBadPassword  = errors.New("wrong passphrase")
	ErrNoSuchWallet = errors.New("wallet file does not exist")
)

// storedKey is one private key with its derived addresses.
type storedKey struct {
	PrivHex string           `json:"priv"`
	Address types.Address    `json:"address"`
	Pts     types.PtsAddress `json:"pts,omitempty"`
	Label   string           `json:"label,omitempty"`
}

// walletFile is the plaintext wallet layout, sealed as a whole.
type walletFile struct {
	Version  uint32      `json:"version"`
	Mnemonic string      `json:"mnemonic,omitempty"`
	Keys     []storedKey `json:"keys"`
}

// Keystore is an encrypted on-disk key store. The file is rewritten
// atomically: encode, write <path>.new.tmp, rename over the live file,
// keeping the previous content as <path>.old.tmp until the rename is
// durable.
type Keystore struct {
	path string

	unlocked bool
	pass     []byte
	data     walletFile
}

// NewKeystore opens or prepares a keystore at path. The file itself is
// created on the first Save.
func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

// Exists reports whether a wallet file is present.
func (k *Keystore) Exists() bool {
	_, err := os.Stat(k.path)
	return err == nil
}

// Create initializes a fresh wallet with a new mnemonic and master key,
// sealed under the passphrase.
func (k *Keystore) Create(passphrase []byte) (string, error) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", err
	}
	k.data = walletFile{Version: 1, Mnemonic: mnemonic}
	k.pass = append([]byte(nil), passphrase...)
	k.unlocked = true
	if err := k.Save(); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Unlock loads and decrypts the wallet file.
func (k *Keystore) Unlock(passphrase []byte) error {
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return ErrNoSuchWallet
	}
	if err != nil {
		return fmt.Errorf("read wallet: %w", err)
	}
	plain, err := Decrypt(raw, passphrase)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	var data walletFile
	if err := json.Unmarshal(plain, &data); err != nil {
		return fmt.Errorf("corrupt wallet payload: %w", err)
	}
	k.data = data
	k.pass = append([]byte(nil), passphrase...)
	k.unlocked = true
	return nil
}

// Lock forgets the decrypted state and passphrase.
func (k *Keystore) Lock() {
	for i := range k.pass {
		k.pass[i] = 0
	}
	k.pass = nil
	k.data = walletFile{}
	k.unlocked = false
}

// Save seals and atomically rewrites the wallet file.
func (k *Keystore) Save() error {
	if !k.unlocked {
		return ErrLocked
	}
	plain, err := json.Marshal(&k.data)
	if err != nil {
		return err
	}
	sealed, err := Encrypt(plain, k.pass)
	if err != nil {
		return err
	}

	newTmp := k.path + ".new.tmp"
	oldTmp := k.path + ".old.tmp"
	if err := os.WriteFile(newTmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if _, err := os.Stat(k.path); err == nil {
		if err := os.Rename(k.path, oldTmp); err != nil {
			return fmt.Errorf("preserve previous wallet: %w", err)
		}
	}
	if err := os.Rename(newTmp, k.path); err != nil {
		return fmt.Errorf("activate new wallet: %w", err)
	}
	if err := os.Remove(oldTmp); err != nil && !os.IsNotExist(err) {
		log.Wallet.Warn().Err(err).Msg("could not remove previous wallet copy")
	}
	return nil
}

// ImportKey adds a raw 32-byte private key.
func (k *Keystore) ImportKey(priv []byte, label string) (types.Address, error) {
	if !k.unlocked {
		return types.Address{}, ErrLocked
	}
	key, err := crypto.PrivateKeyFromBytes(priv)
	if err != nil {
		return types.Address{}, err
	}
	addr := key.Address()
	k.data.Keys = append(k.data.Keys, storedKey{
		PrivHex: hex.EncodeToString(priv),
		Address: addr,
		Pts:     crypto.PtsAddressFromPubKey(key.PublicKey()),
		Label:   label,
	})
	return addr, k.Save()
}

// ImportWIF imports a bitcoin-style WIF private key, recording the legacy
// PTS address form so allocation claims from imported wallets resolve.
func (k *Keystore) ImportWIF(wif, label string) (types.PtsAddress, error) {
	priv, err := DecodeWIF(wif)
	if err != nil {
		return types.PtsAddress{}, err
	}
	addr, err := k.ImportKey(priv, label)
	if err != nil {
		return types.PtsAddress{}, err
	}
	for _, sk := range k.data.Keys {
		if sk.Address == addr {
			return sk.Pts, nil
		}
	}
	return types.PtsAddress{}, ErrKeyNotFound
}

// KeyFor returns the signing key for an address.
func (k *Keystore) KeyFor(addr types.Address) (*crypto.PrivateKey, error) {
	if !k.unlocked {
		return nil, ErrLocked
	}
	for _, sk := range k.data.Keys {
		if sk.Address == addr {
			raw, err := hex.DecodeString(sk.PrivHex)
			if err != nil {
				return nil, fmt.Errorf("corrupt stored key: %w", err)
			}
			return crypto.PrivateKeyFromBytes(raw)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, addr)
}

// Addresses lists all wallet addresses in stable order.
func (k *Keystore) Addresses() []types.Address {
	addrs := make([]types.Address, 0, len(k.data.Keys))
	for _, sk := range k.data.Keys {
		addrs = append(addrs, sk.Address)
	}
	sort.Slice(addrs, func(i, j int) bool { return string(addrs[i][:]) < string(addrs[j][:]) })
	return addrs
}

// Mnemonic returns the wallet's recovery phrase.
func (k *Keystore) Mnemonic() (string, error) {
	if !k.unlocked {
		return "", ErrLocked
	}
	return k.data.Mnemonic, nil
}

// DecodeWIF decodes a base58check WIF private key (mainnet bitcoin/PTS
// version byte 0x80, optional compressed-pubkey suffix).
func DecodeWIF(wif string) ([]byte, error) {
	raw, err := types.Base58Decode(wif)
	if err != nil {
		return nil, err
	}
	// version(1) | key(32) | [compressed flag(1)] | checksum(4)
	if len(raw) != 37 && len(raw) != 38 {
		return nil, fmt.Errorf("wif must decode to 37 or 38 bytes, got %d", len(raw))
	}
	if raw[0] != 0x80 {
		return nil, fmt.Errorf("unsupported wif version byte %#x", raw[0])
	}
	body := raw[:len(raw)-4]
	check := crypto.DoubleSha256(body)
	for i := 0; i < 4; i++ {
		if check[i] != raw[len(body)+i] {
			return nil, fmt.Errorf("wif checksum mismatch")
		}
	}
	return body[1:33], nil
}
