// Command unity-cli provides offline wallet and key utilities: wallet
// creation, key import, and address inspection.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"syscall"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/wallet"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "unity-cli:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: unity-cli <command> [args]

commands:
  wallet-create              create a new encrypted wallet
  wallet-addresses           list wallet addresses
  import-wif <wif> [label]   import a bitcoin-style WIF key
  newkey                     generate a standalone keypair
  addr <pubkey-hex>          derive the address of a compressed public key`)
}

func run(cmd string, args []string) error {
	switch cmd {
	case "wallet-create":
		return walletCreate()
	case "wallet-addresses":
		return walletAddresses()
	case "import-wif":
		if len(args) < 1 {
			return fmt.Errorf("usage: import-wif <wif> [label]")
		}
		label := ""
		if len(args) > 1 {
			label = args[1]
		}
		return importWIF(args[0], label)
	case "newkey":
		return newKey()
	case "addr":
		if len(args) != 1 {
			return fmt.Errorf("usage: addr <pubkey-hex>")
		}
		return deriveAddr(args[0])
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pass, nil
}

func openWallet() (*wallet.Keystore, error) {
	cfg := config.Default(config.Mainnet)
	ks := wallet.NewKeystore(cfg.WalletPath())
	pass, err := readPassphrase("passphrase: ")
	if err != nil {
		return nil, err
	}
	if err := ks.Unlock(pass); err != nil {
		return nil, err
	}
	return ks, nil
}

func walletCreate() error {
	cfg := config.Default(config.Mainnet)
	ks := wallet.NewKeystore(cfg.WalletPath())
	if ks.Exists() {
		return fmt.Errorf("wallet already exists at %s", cfg.WalletPath())
	}
	pass, err := readPassphrase("new passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := readPassphrase("confirm passphrase: ")
	if err != nil {
		return err
	}
	if string(pass) != string(confirm) {
		return fmt.Errorf("passphrases do not match")
	}
	mnemonic, err := ks.Create(pass)
	if err != nil {
		return err
	}
	fmt.Println("wallet created at", cfg.WalletPath())
	fmt.Println("recovery phrase (write this down):")
	fmt.Println(" ", mnemonic)
	return nil
}

func walletAddresses() error {
	ks, err := openWallet()
	if err != nil {
		return err
	}
	defer ks.Lock()
	for _, addr := range ks.Addresses() {
		fmt.Println(addr)
	}
	return nil
}

func importWIF(wif, label string) error {
	ks, err := openWallet()
	if err != nil {
		return err
	}
	defer ks.Lock()
	pts, err := ks.ImportWIF(wif, label)
	if err != nil {
		return err
	}
	fmt.Println("imported; legacy address:", pts)
	return nil
}

func newKey() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println("priv:   ", hex.EncodeToString(key.Serialize()))
	fmt.Println("pub:    ", hex.EncodeToString(key.PublicKey()))
	fmt.Println("address:", key.Address())
	return nil
}

func deriveAddr(pubHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pub) != 33 {
		return fmt.Errorf("pubkey must be 33 bytes compressed, got %d", len(pub))
	}
	fmt.Println("address:", crypto.AddressFromPubKey(pub))
	fmt.Println("pts:    ", crypto.PtsAddressFromPubKey(pub))
	return nil
}
