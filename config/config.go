package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node-specific runtime configuration. These settings can
// vary between nodes without breaking consensus.
type Config struct {
	Network NetworkType `json:"network"`
	DataDir string      `json:"datadir"`

	P2P    P2PConfig    `json:"p2p"`
	Mining MiningConfig `json:"mining"`
	Unity  UnityConfig  `json:"unity"`
	Wallet WalletConfig `json:"wallet"`
	Log    LogConfig    `json:"log"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `json:"enabled"`
	ListenAddr string   `json:"listen"`
	Port       int      `json:"port"`
	Seeds      []string `json:"seeds"`
	MaxPeers   int      `json:"max_peers"`
	NoDiscover bool     `json:"no_discover,omitempty"`
	NetworkID  string   `json:"network_id,omitempty"`
}

// MiningConfig holds proof-of-work settings.
type MiningConfig struct {
	Enabled bool   `json:"enabled"`
	// PayAddress receives mining rewards, base58 form.
	PayAddress string `json:"pay_address,omitempty"`
}

// UnityConfig holds the consensus signer settings. UniqueNodeList must be
// identical on every participating node.
type UnityConfig struct {
	Enabled bool `json:"enabled"`
	// UniqueNodeList is the fixed set of authorized signer addresses,
	// base58 form.
	UniqueNodeList []string `json:"unique_node_list"`
	// KeyFile holds the local signer key (absent on observer nodes).
	KeyFile string `json:"key_file,omitempty"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
	File  string `json:"file,omitempty"`
}

// DefaultDataDir returns the platform default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".unity-chain"
	}
	return filepath.Join(home, ".unity-chain")
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	cfg := &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       9876,
			MaxPeers:   50,
			Seeds:      []string{},
		},
		Log: LogConfig{Level: "info"},
	}
	if network == Testnet {
		cfg.Network = Testnet
		cfg.P2P.Port = 19876
	}
	return cfg
}

// Load reads a config.json file, filling unset fields from defaults.
// A missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(Mainnet), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default(Mainnet)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// ChainDir returns the ledger store directory under the data dir.
func (c *Config) ChainDir() string {
	return filepath.Join(c.DataDir, "chain")
}

// ForksDir returns the fork database directory under the data dir.
func (c *Config) ForksDir() string {
	return filepath.Join(c.DataDir, "chain", "forks")
}

// WalletPath returns the wallet file path.
func (c *Config) WalletPath() string {
	if c.Wallet.Path != "" {
		return c.Wallet.Path
	}
	return filepath.Join(c.DataDir, "wallet.bts")
}
