package ledger

import (
	"fmt"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// CreateGenesisBlock builds the deterministic genesis block from the
// genesis description: one unsigned transaction paying every allocation.
func CreateGenesisBlock(gen *config.Genesis) (*block.TrxBlock, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}

	alloc := &tx.SignedTransaction{}
	alloc.Timestamp = gen.Timestamp
	for i, a := range gen.Alloc {
		var claim tx.Claim
		switch {
		case a.Address != "":
			addr, err := types.ParseAddress(a.Address)
			if err != nil {
				return nil, fmt.Errorf("alloc %d: %w", i, err)
			}
			claim = tx.SignatureClaim{Owner: addr}
		default:
			pts, err := types.ParsePtsAddress(a.PtsAddress)
			if err != nil {
				return nil, fmt.Errorf("alloc %d: %w", i, err)
			}
			claim = tx.PtsClaim{Owner: pts}
		}
		alloc.Outputs = append(alloc.Outputs, tx.Output{
			Amount: types.NewAsset(a.Amount, types.UnitBTS),
			Claim:  claim,
		})
	}

	b := &block.TrxBlock{
		Header: block.Header{
			Version:        0,
			BlockNum:       0,
			Timestamp:      gen.Timestamp,
			NextDifficulty: gen.InitialDifficulty,
			TotalShares:    gen.TotalShares(),
			NextFee:        config.MinFeeRate,
		},
		Trxs: []*tx.SignedTransaction{alloc},
	}
	b.TrxMRoot = b.CalculateMerkleRoot()
	return b, nil
}

// InitFromGenesis applies the genesis block to an empty ledger. Opening an
// already-initialized ledger with a different genesis is refused.
func (c *ChainDB) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := CreateGenesisBlock(gen)
	if err != nil {
		return err
	}
	if c.hasHead {
		if want := b.Header.ID(); c.genesisID() != want {
			return fmt.Errorf("ledger was initialized from a different genesis")
		}
		return nil
	}

	// Genesis bypasses evaluation: it creates the initial shares.
	if err := c.storeBlock(b); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	c.hasHead = true
	log.Chain.Info().
		Str("id", c.headID.String()).
		Uint64("shares", b.TotalShares).
		Msg("initialized chain from genesis")
	return nil
}

func (c *ChainDB) genesisID() types.Hash160 {
	h, err := c.fetchHeader(0)
	if err != nil {
		return types.Hash160{}
	}
	return h.ID()
}
