package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/market"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Chain invariant errors. A block failing any of these is recorded invalid
// in the fork database and never refetched.
var (
	ErrDuplicateBlockInput = errors.New("output referenced by more than one input in block")
	ErrMarketPrefix        = errors.New("block transactions do not start with the deterministic match output")
	ErrBadTotalShares      = errors.New("total_shares does not account for destroyed fees")
	ErrBadCoindays         = errors.New("avail_coindays does not follow from parent")
	ErrBadNextDifficulty   = errors.New("next_difficulty does not match retarget")
	ErrNoGenesis           = errors.New("chain has no genesis block")
	ErrPopGenesis          = errors.New("cannot pop the genesis block")
)

// PushBlock validates a block against every chain invariant and applies it
// to the ledger and market indices.
func (c *ChainDB) PushBlock(b *block.TrxBlock, now uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasHead {
		return ErrNoGenesis
	}
	if err := b.ValidateNext(&c.headBlock, c.headID, now); err != nil {
		return err
	}
	if b.NextFee != block.NextFeeRate(c.headBlock.NextFee, b.TrxsSize()) {
		return fmt.Errorf("%w: got %d, want %d", block.ErrBadNextFee,
			b.NextFee, block.NextFeeRate(c.headBlock.NextFee, b.TrxsSize()))
	}
	if err := validateUniqueInputs(b.Trxs); err != nil {
		return err
	}

	// The first transactions must be exactly the deterministic match
	// output, id for id.
	matched, points, err := c.engine.MatchAll(c.headBlock.TotalShares, b.BlockNum)
	if err != nil {
		return fmt.Errorf("match orders: %w", err)
	}
	if len(matched) > len(b.Trxs) {
		return fmt.Errorf("%w: %d market trxs, block has %d", ErrMarketPrefix, len(matched), len(b.Trxs))
	}
	for i, m := range matched {
		if m.ID() != b.Trxs[i].ID() {
			return fmt.Errorf("%w: trx %d: %s != %s", ErrMarketPrefix, i, b.Trxs[i].ID(), m.ID())
		}
	}

	// Evaluate everything; market transactions skip fee floors and may
	// consume resting orders.
	var total Eval
	total.Fees = types.Asset{Unit: types.UnitBTS}
	for i, t := range b.Trxs {
		isMarket := i < len(matched)
		eval, err := c.Evaluate(t, isMarket, isMarket)
		if err != nil {
			return fmt.Errorf("trx %d (%s): %w", i, t.ID(), err)
		}
		if err := total.Add(eval); err != nil {
			return err
		}
	}

	// Supply, coinday, and difficulty bookkeeping must match exactly.
	fees := total.Fees.Amount.Units()
	if b.TotalShares != c.headBlock.TotalShares-fees {
		return fmt.Errorf("%w: got %d, want %d", ErrBadTotalShares,
			b.TotalShares, c.headBlock.TotalShares-fees)
	}
	if b.AvailCoindays != nextAvailCoindays(&c.headBlock, total) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadCoindays,
			b.AvailCoindays, nextAvailCoindays(&c.headBlock, total))
	}
	wantDiff, err := c.retargetDifficulty()
	if err != nil {
		return err
	}
	if b.NextDifficulty != wantDiff {
		return fmt.Errorf("%w: got %d, want %d", ErrBadNextDifficulty, b.NextDifficulty, wantDiff)
	}

	if err := c.storeBlock(b); err != nil {
		return err
	}
	for _, pt := range points {
		if err := c.marketDB.PushPricePoint(pt); err != nil {
			return err
		}
	}
	log.Chain.Info().
		Uint32("height", b.BlockNum).
		Str("id", c.headID.String()).
		Int("trxs", len(b.Trxs)).
		Uint64("fees", fees).
		Msg("pushed block")
	return nil
}

// PopBlock removes the head block, restoring every spent output and market
// index entry to its pre-push state. Returns the popped block so its
// transactions can be returned to the pending pool.
func (c *ChainDB) PopBlock() (*block.TrxBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasHead {
		return nil, ErrNoGenesis
	}
	if c.headBlock.BlockNum == 0 {
		return nil, ErrPopGenesis
	}

	b, err := c.FetchTrxBlock(c.headBlock.BlockNum)
	if err != nil {
		return nil, err
	}

	// Walk the block backwards undoing everything store() did.
	for i := len(b.Trxs) - 1; i >= 0; i-- {
		t := b.Trxs[i]
		id := t.ID()
		if err := c.removeMarketEntries(t, id); err != nil {
			return nil, err
		}
		for inIdx := len(t.Inputs) - 1; inIdx >= 0; inIdx-- {
			if err := c.unmarkSpent(t.Inputs[inIdx].OutputRef); err != nil {
				return nil, err
			}
		}
		if err := c.trxID2Num.Delete(id[:]); err != nil {
			return nil, err
		}
		if err := c.metaTrxs.Delete(trxNumKey(types.TrxNum{BlockNum: b.BlockNum, TrxIdx: uint16(i)})); err != nil {
			return nil, err
		}
	}

	popID := b.Header.ID()
	if err := c.blkID2Num.Delete(popID[:]); err != nil {
		return nil, err
	}
	if err := c.blocks.Delete(blockNumKey(b.BlockNum)); err != nil {
		return nil, err
	}
	if err := c.blockTrxs.Delete(blockNumKey(b.BlockNum)); err != nil {
		return nil, err
	}

	prev, err := c.fetchHeader(b.BlockNum - 1)
	if err != nil {
		return nil, err
	}
	c.headBlock = prev
	c.headID = prev.ID()
	log.Chain.Info().
		Uint32("height", prev.BlockNum).
		Str("id", c.headID.String()).
		Msg("popped block")
	return b, nil
}

// MatchOrders runs the deterministic matching over the current state.
func (c *ChainDB) MatchOrders() ([]*tx.SignedTransaction, error) {
	matched, _, err := c.engine.MatchAll(c.headBlock.TotalShares, c.HeadBlockNum()+1)
	return matched, err
}

// validateUniqueInputs rejects blocks where two transactions consume the
// same output.
func validateUniqueInputs(trxs []*tx.SignedTransaction) error {
	seen := make(map[types.OutputReference]bool)
	for _, t := range trxs {
		for _, in := range t.Inputs {
			if seen[in.OutputRef] {
				return fmt.Errorf("%w: %s", ErrDuplicateBlockInput, in.OutputRef)
			}
			seen[in.OutputRef] = true
		}
	}
	return nil
}

// nextAvailCoindays rolls the coinday pool forward: every share ages one
// block, spent shares stop aging, destroyed days leave the pool.
func nextAvailCoindays(prev *block.Header, total Eval) uint64 {
	avail := prev.AvailCoindays + prev.TotalShares
	spend := total.CoindaysDestroyed + total.TotalSpent
	if spend > avail {
		return 0
	}
	return avail - spend
}

// retargetDifficulty computes the next block's declared difficulty: every
// RetargetWindowBlocks, scale toward the target block interval.
func (c *ChainDB) retargetDifficulty() (uint64, error) {
	head := c.headBlock
	if head.BlockNum < config.RetargetWindowBlocks ||
		(head.BlockNum+1)%config.RetargetWindowBlocks != 0 {
		return head.NextDifficulty, nil
	}
	old, err := c.fetchHeader(head.BlockNum - config.RetargetWindowBlocks)
	if err != nil {
		return 0, err
	}
	elapsed := uint64(head.Timestamp - old.Timestamp)
	if elapsed == 0 {
		elapsed = 1
	}
	avgSecPerBlock := elapsed / uint64(config.RetargetWindowBlocks)
	if avgSecPerBlock == 0 {
		avgSecPerBlock = 1
	}
	next := head.NextDifficulty * config.TargetBlockIntervalSec / avgSecPerBlock
	if next == 0 {
		next = 1
	}
	return next, nil
}

// storeBlock writes the block, indexes every transaction, marks spends,
// and reindexes the market.
func (c *ChainDB) storeBlock(b *block.TrxBlock) error {
	for i, t := range b.Trxs {
		if err := c.storeTrx(t, types.TrxNum{BlockNum: b.BlockNum, TrxIdx: uint16(i)}); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(&b.Header)
	if err != nil {
		return err
	}
	if err := c.blocks.Put(blockNumKey(b.BlockNum), raw); err != nil {
		return err
	}
	ids := b.TrxIDs()
	rawIDs, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := c.blockTrxs.Put(blockNumKey(b.BlockNum), rawIDs); err != nil {
		return err
	}
	id := b.Header.ID()
	numBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(numBuf, b.BlockNum)
	if err := c.blkID2Num.Put(id[:], numBuf); err != nil {
		return err
	}

	c.headBlock = b.Header
	c.headID = id
	return nil
}

// storeTrx records a transaction, marks its inputs spent, and indexes any
// resting-order outputs.
func (c *ChainDB) storeTrx(t *tx.SignedTransaction, tn types.TrxNum) error {
	id := t.ID()
	rawTn, err := json.Marshal(tn)
	if err != nil {
		return err
	}
	if err := c.trxID2Num.Put(id[:], rawTn); err != nil {
		return err
	}
	mt := MetaTrx{Trx: *t, MetaOutputs: make([]MetaOutput, len(t.Outputs))}
	rawMt, err := json.Marshal(&mt)
	if err != nil {
		return err
	}
	if err := c.metaTrxs.Put(trxNumKey(tn), rawMt); err != nil {
		return err
	}

	for i, in := range t.Inputs {
		if err := c.markSpent(in.OutputRef, tn, uint16(i)); err != nil {
			return err
		}
	}
	return c.insertMarketEntries(t, id)
}

// markSpent flags an output consumed and drops it from the market indices.
func (c *ChainDB) markSpent(ref types.OutputReference, by types.TrxNum, inputNum uint16) error {
	tn, err := c.FetchTrxNum(ref.TrxHash)
	if err != nil {
		return err
	}
	mt, err := c.FetchTrx(tn)
	if err != nil {
		return err
	}
	if int(ref.OutputIdx) >= len(mt.MetaOutputs) {
		return fmt.Errorf("%w: %s", ErrOutputNotFound, ref)
	}
	mt.MetaOutputs[ref.OutputIdx] = MetaOutput{Spent: true, SpentBy: by, InputNum: inputNum}
	raw, err := json.Marshal(mt)
	if err != nil {
		return err
	}
	if err := c.metaTrxs.Put(trxNumKey(tn), raw); err != nil {
		return err
	}
	return c.removeMarketEntry(mt.Trx.Outputs[ref.OutputIdx], ref)
}

// unmarkSpent reverses markSpent during a pop, restoring the output's
// market index entry.
func (c *ChainDB) unmarkSpent(ref types.OutputReference) error {
	tn, err := c.FetchTrxNum(ref.TrxHash)
	if err != nil {
		return err
	}
	mt, err := c.FetchTrx(tn)
	if err != nil {
		return err
	}
	if int(ref.OutputIdx) >= len(mt.MetaOutputs) {
		return fmt.Errorf("%w: %s", ErrOutputNotFound, ref)
	}
	mt.MetaOutputs[ref.OutputIdx] = MetaOutput{}
	raw, err := json.Marshal(mt)
	if err != nil {
		return err
	}
	if err := c.metaTrxs.Put(trxNumKey(tn), raw); err != nil {
		return err
	}
	return c.insertMarketEntry(mt.Trx.Outputs[ref.OutputIdx], ref)
}

// insertMarketEntries indexes every resting-order output of a transaction.
func (c *ChainDB) insertMarketEntries(t *tx.SignedTransaction, id types.Hash160) error {
	for i, out := range t.Outputs {
		ref := types.OutputReference{TrxHash: id, OutputIdx: uint16(i)}
		if err := c.insertMarketEntry(out, ref); err != nil {
			return err
		}
	}
	return nil
}

// removeMarketEntries drops every resting-order output of a transaction.
func (c *ChainDB) removeMarketEntries(t *tx.SignedTransaction, id types.Hash160) error {
	for i := len(t.Outputs) - 1; i >= 0; i-- {
		ref := types.OutputReference{TrxHash: id, OutputIdx: uint16(i)}
		if err := c.removeMarketEntry(t.Outputs[i], ref); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChainDB) insertMarketEntry(out tx.Output, ref types.OutputReference) error {
	switch claim := out.Claim.(type) {
	case tx.BidClaim:
		o := market.Order{Price: claim.AskPrice, Location: ref}
		if claim.IsBid(out.Amount.Unit) {
			return c.marketDB.InsertBid(o, 0)
		}
		return c.marketDB.InsertAsk(o, btsDepth(out))
	case tx.LongClaim:
		o := market.Order{Price: claim.AskPrice, Location: ref}
		return c.marketDB.InsertBid(o, btsDepth(out))
	case tx.CoverClaim:
		call, err := claim.CallPrice(out.Amount, config.InitialMarginRequirement)
		if err != nil {
			return err
		}
		return c.marketDB.InsertCall(market.Order{Price: call, Location: ref}, btsDepth(out))
	}
	return nil
}

func (c *ChainDB) removeMarketEntry(out tx.Output, ref types.OutputReference) error {
	switch claim := out.Claim.(type) {
	case tx.BidClaim:
		o := market.Order{Price: claim.AskPrice, Location: ref}
		if claim.IsBid(out.Amount.Unit) {
			return c.marketDB.RemoveBid(o, 0)
		}
		return c.marketDB.RemoveAsk(o, btsDepth(out))
	case tx.LongClaim:
		o := market.Order{Price: claim.AskPrice, Location: ref}
		return c.marketDB.RemoveBid(o, btsDepth(out))
	case tx.CoverClaim:
		call, err := claim.CallPrice(out.Amount, config.InitialMarginRequirement)
		if err != nil {
			return err
		}
		return c.marketDB.RemoveCall(market.Order{Price: call, Location: ref}, btsDepth(out))
	}
	return nil
}

func btsDepth(out tx.Output) uint64 {
	if out.Amount.Unit != types.UnitBTS {
		return 0
	}
	return out.Amount.Amount.Units()
}
