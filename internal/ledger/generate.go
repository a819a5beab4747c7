package ledger

import (
	"fmt"
	"sort"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/market"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// trxStat pairs a candidate transaction with its evaluation for fee
// ordering.
type trxStat struct {
	trx  *tx.SignedTransaction
	eval Eval
}

// GenerateNextBlock assembles a ready-to-mine block: the deterministic
// match output first, then candidate transactions in fee order, dropping
// any that fail evaluation, underpay, or conflict on inputs, until the
// size limit. Never fails on bad candidates — they are skipped.
func (c *ChainDB) GenerateNextBlock(pending []*tx.SignedTransaction, now uint32) (*block.TrxBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasHead {
		return nil, ErrNoGenesis
	}

	matched, _, err := c.engine.MatchAll(c.headBlock.TotalShares, c.headBlock.BlockNum+1)
	if err != nil {
		return nil, fmt.Errorf("match orders: %w", err)
	}

	var total Eval
	total.Fees = types.Asset{Unit: types.UnitBTS}
	consumed := make(map[types.OutputReference]bool)
	for _, m := range matched {
		eval, err := c.Evaluate(m, true, true)
		if err != nil {
			return nil, fmt.Errorf("market trx failed evaluation: %w", err)
		}
		if err := total.Add(eval); err != nil {
			return nil, err
		}
		for _, in := range m.Inputs {
			if consumed[in.OutputRef] {
				return nil, fmt.Errorf("market trx double-spends %s", in.OutputRef)
			}
			consumed[in.OutputRef] = true
		}
	}

	// Filter candidates that fail evaluation or underpay.
	stats := make([]trxStat, 0, len(pending))
	for _, t := range pending {
		eval, err := c.Evaluate(t, false, false)
		if err != nil {
			log.Chain.Debug().Str("trx", t.ID().String()).Err(err).Msg("dropping candidate transaction")
			continue
		}
		stats = append(stats, trxStat{trx: t, eval: eval})
	}

	// Highest fee first; stable so equal fees keep submission order.
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].eval.Fees.Amount.Cmp(stats[j].eval.Fees.Amount) > 0
	})

	trxs := make([]*tx.SignedTransaction, 0, len(matched)+len(stats))
	trxs = append(trxs, matched...)
	blockSize := uint64(0)
	for _, m := range matched {
		blockSize += m.Size()
	}

	for _, s := range stats {
		conflict := false
		for _, in := range s.trx.Inputs {
			if consumed[in.OutputRef] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		size := s.trx.Size()
		if blockSize+size > config.MaxBlockTrxsSize {
			break
		}
		for _, in := range s.trx.Inputs {
			consumed[in.OutputRef] = true
		}
		blockSize += size
		trxs = append(trxs, s.trx)
		if err := total.Add(s.eval); err != nil {
			return nil, err
		}
	}

	if now <= c.headBlock.Timestamp+config.MinTimestampGapSec {
		now = c.headBlock.Timestamp + config.MinTimestampGapSec + 1
	}

	nextDiff, err := c.retargetDifficulty()
	if err != nil {
		return nil, err
	}

	b := &block.TrxBlock{
		Header: block.Header{
			Version:        0,
			Prev:           c.headID,
			BlockNum:       c.headBlock.BlockNum + 1,
			Timestamp:      now,
			NextDifficulty: nextDiff,
			TotalShares:    c.headBlock.TotalShares - total.Fees.Amount.Units(),
			AvailCoindays:  nextAvailCoindays(&c.headBlock, total),
			TotalCDD:       total.CoindaysDestroyed,
		},
		Trxs: trxs,
	}
	b.NextFee = block.NextFeeRate(c.headBlock.NextFee, b.TrxsSize())
	b.TrxMRoot = b.CalculateMerkleRoot()
	log.Chain.Debug().
		Uint32("height", b.BlockNum).
		Int("market_trxs", len(matched)).
		Int("trxs", len(trxs)).
		Msg("generated block template")
	return b, nil
}

// MarketEngine exposes the deterministic matcher for tooling.
func (c *ChainDB) MarketEngine() *market.Engine {
	return c.engine
}
