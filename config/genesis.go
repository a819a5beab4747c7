package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// GenesisAlloc is one initial balance: an address (base58) or a legacy PTS
// address and its share count in 1e-8 units.
type GenesisAlloc struct {
	Address    string `json:"address,omitempty"`
	PtsAddress string `json:"pts_address,omitempty"`
	Amount     uint64 `json:"amount"`
}

// Genesis describes the chain's initial state. It must be identical on
// every node.
type Genesis struct {
	Timestamp         uint32         `json:"timestamp"`
	InitialDifficulty uint64         `json:"initial_difficulty"`
	Alloc             []GenesisAlloc `json:"alloc"`
}

// TotalShares sums the genesis allocations.
func (g *Genesis) TotalShares() uint64 {
	var total uint64
	for _, a := range g.Alloc {
		total += a.Amount
	}
	return total
}

// Validate checks the genesis description for obvious mistakes.
func (g *Genesis) Validate() error {
	if len(g.Alloc) == 0 {
		return fmt.Errorf("genesis has no allocations")
	}
	if g.InitialDifficulty == 0 {
		return fmt.Errorf("genesis initial difficulty is zero")
	}
	for i, a := range g.Alloc {
		if a.Address == "" && a.PtsAddress == "" {
			return fmt.Errorf("alloc %d: no address", i)
		}
		if a.Amount == 0 {
			return fmt.Errorf("alloc %d: zero amount", i)
		}
	}
	return nil
}

// LoadGenesis reads a genesis.json file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis %s: %w", path, err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
