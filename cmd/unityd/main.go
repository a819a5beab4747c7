// Command unityd runs a full Unity chain node: ledger, fork database,
// consensus, mining, and peer networking.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/node"
	"github.com/unityledger/unity-chain/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "unityd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to config.json (default <datadir>/config.json)")
		dataDir     = flag.String("datadir", "", "data directory override")
		genesisPath = flag.String("genesis", "", "path to genesis.json (default <datadir>/genesis.json)")
		mine        = flag.Bool("mine", false, "enable mining")
	)
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "config.json")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *mine {
		cfg.Mining.Enabled = true
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	genPath := *genesisPath
	if genPath == "" {
		genPath = filepath.Join(cfg.DataDir, "genesis.json")
	}
	gen, err := config.LoadGenesis(genPath)
	if err != nil {
		return err
	}

	// Schema migrations register here, before any store opens.
	upgrades := storage.NewUpgradeRegistry()

	n, err := node.New(cfg, gen, upgrades)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		_ = n.Shutdown()
		return err
	}
	log.Info().Str("datadir", cfg.DataDir).Msg("node running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	return n.Shutdown()
}
