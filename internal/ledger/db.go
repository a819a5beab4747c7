// Package ledger implements the chain database: the authoritative record
// of blocks, transactions, and spend state, together with the market
// indices derived from it.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/market"
	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Store namespaces under the chain directory.
var (
	prefixTrxID2Num = []byte("trx_id2num/")
	prefixMetaTrxs  = []byte("meta_trxs/")
	prefixBlocks    = []byte("blocks/")
	prefixBlockTrxs = []byte("block_trxs/")
	prefixBlkID2Num = []byte("blk_id2num/")
	prefixMarket    = []byte("market/")
)

// Record type sentinels for schema upgrades.
const (
	recordTypeMetaTrx = "meta_trx1"
	recordTypeHeader  = "block_header1"
)

// Lookup errors.
var (
	ErrTrxNotFound    = errors.New("transaction not found")
	ErrBlockNotFound  = errors.New("block not found")
	ErrOutputNotFound = errors.New("output not found")
	ErrOutputSpent    = errors.New("output already spent")
)

// MetaOutput records whether and where an output has been spent.
type MetaOutput struct {
	Spent    bool         `json:"spent,omitempty"`
	SpentBy  types.TrxNum `json:"spent_by,omitempty"`
	InputNum uint16       `json:"input_num,omitempty"`
}

// MetaTrx is a stored transaction together with the spend state of each of
// its outputs.
type MetaTrx struct {
	Trx         tx.SignedTransaction `json:"trx"`
	MetaOutputs []MetaOutput         `json:"meta_outputs"`
}

// MetaInput is a resolved transaction input: the location, output, and
// spend state of the output it references.
type MetaInput struct {
	Source     types.TrxNum `json:"source"`
	OutputNum  uint16       `json:"output_num"`
	Output     tx.Output    `json:"output"`
	MetaOutput MetaOutput   `json:"meta_output"`
}

// ChainDB is the ledger: ordered stores for blocks and transactions, the
// market indices, and a cached head. All mutation goes through PushBlock
// and PopBlock, which serialize behind a single lock; reads are safe from
// the scheduler goroutine without it.
type ChainDB struct {
	mu sync.Mutex

	trxID2Num storage.DB
	metaTrxs  storage.DB
	blocks    storage.DB
	blockTrxs storage.DB
	blkID2Num storage.DB

	marketDB *market.DB
	engine   *market.Engine

	headBlock block.Header
	headID    types.Hash160
	hasHead   bool
}

// Open builds a ChainDB over the given store, running any registered
// schema upgrades before first use.
func Open(db storage.DB, upgrades *storage.UpgradeRegistry) (*ChainDB, error) {
	c := &ChainDB{
		trxID2Num: storage.NewPrefixDB(db, prefixTrxID2Num),
		metaTrxs:  storage.NewPrefixDB(db, prefixMetaTrxs),
		blocks:    storage.NewPrefixDB(db, prefixBlocks),
		blockTrxs: storage.NewPrefixDB(db, prefixBlockTrxs),
		blkID2Num: storage.NewPrefixDB(db, prefixBlkID2Num),
	}
	c.marketDB = market.NewDB(storage.NewPrefixDB(db, prefixMarket))
	c.engine = market.NewEngine(c.marketDB, (*outputSource)(c))

	if upgrades != nil {
		if err := storage.UpgradeIfNeeded(c.metaTrxs, recordTypeMetaTrx, upgrades); err != nil {
			return nil, fmt.Errorf("upgrade meta trx store: %w", err)
		}
		if err := storage.UpgradeIfNeeded(c.blocks, recordTypeHeader, upgrades); err != nil {
			return nil, fmt.Errorf("upgrade header store: %w", err)
		}
	}

	if err := c.recoverHead(); err != nil {
		return nil, err
	}
	return c, nil
}

// recoverHead finds the highest stored block and caches it.
func (c *ChainDB) recoverHead() error {
	var lastKey []byte
	var lastVal []byte
	err := c.blocks.ForEach(nil, func(key, value []byte) error {
		if storage.IsRecordTypeKey(key) {
			return nil
		}
		lastKey = append(lastKey[:0], key...)
		lastVal = append(lastVal[:0], value...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan blocks: %w", err)
	}
	if lastKey == nil {
		return nil
	}
	var h block.Header
	if err := json.Unmarshal(lastVal, &h); err != nil {
		return fmt.Errorf("corrupt head header: %w", err)
	}
	c.headBlock = h
	c.headID = h.ID()
	c.hasHead = true
	log.Chain.Info().
		Uint32("height", h.BlockNum).
		Str("id", c.headID.String()).
		Msg("recovered chain head")
	return nil
}

// Market returns the market index for queries.
func (c *ChainDB) Market() *market.DB {
	return c.marketDB
}

// HasHead reports whether any block has been applied.
func (c *ChainDB) HasHead() bool {
	return c.hasHead
}

// Head returns the current head header and id.
func (c *ChainDB) Head() (block.Header, types.Hash160) {
	return c.headBlock, c.headID
}

// HeadBlockNum returns the current chain height.
func (c *ChainDB) HeadBlockNum() uint32 {
	if !c.hasHead {
		return 0
	}
	return c.headBlock.BlockNum
}

// TotalShares returns the share supply after the head block.
func (c *ChainDB) TotalShares() uint64 {
	return c.headBlock.TotalShares
}

// FeeRate returns the per-byte fee rate the next block must charge.
func (c *ChainDB) FeeRate() uint64 {
	return c.headBlock.NextFee
}

// Stake returns the stake value transactions must carry: the low 8 bytes
// of the head block id.
func (c *ChainDB) Stake() uint64 {
	return c.headID.Stake()
}

// Stake2 returns the previous block's stake value, accepted during the one
// block after a transaction was built.
func (c *ChainDB) Stake2() uint64 {
	if !c.hasHead || c.headBlock.BlockNum == 0 {
		return 0
	}
	h, err := c.fetchHeader(c.headBlock.BlockNum - 1)
	if err != nil {
		return 0
	}
	return h.ID().Stake()
}

// FetchTrxNum looks up where a transaction landed in the chain.
func (c *ChainDB) FetchTrxNum(id types.Hash160) (types.TrxNum, error) {
	raw, err := c.trxID2Num.Get(id[:])
	if err != nil {
		return types.TrxNum{}, fmt.Errorf("%w: %s", ErrTrxNotFound, id)
	}
	var tn types.TrxNum
	if err := json.Unmarshal(raw, &tn); err != nil {
		return types.TrxNum{}, fmt.Errorf("trx num unmarshal: %w", err)
	}
	return tn, nil
}

// FetchTrx loads a stored transaction with its spend metadata.
func (c *ChainDB) FetchTrx(tn types.TrxNum) (*MetaTrx, error) {
	raw, err := c.metaTrxs.Get(trxNumKey(tn))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTrxNotFound, tn)
	}
	var mt MetaTrx
	if err := json.Unmarshal(raw, &mt); err != nil {
		return nil, fmt.Errorf("meta trx unmarshal: %w", err)
	}
	return &mt, nil
}

// FetchTransaction loads a transaction by id.
func (c *ChainDB) FetchTransaction(id types.Hash160) (*tx.SignedTransaction, error) {
	tn, err := c.FetchTrxNum(id)
	if err != nil {
		return nil, err
	}
	mt, err := c.FetchTrx(tn)
	if err != nil {
		return nil, err
	}
	return &mt.Trx, nil
}

// FetchBlockNum maps a block id to its height.
func (c *ChainDB) FetchBlockNum(id types.Hash160) (uint32, error) {
	raw, err := c.blkID2Num.Get(id[:])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("corrupt block num index for %s", id)
	}
	return binary.BigEndian.Uint32(raw), nil
}

// FetchHeader loads a block header by height.
func (c *ChainDB) FetchHeader(blockNum uint32) (block.Header, error) {
	return c.fetchHeader(blockNum)
}

func (c *ChainDB) fetchHeader(blockNum uint32) (block.Header, error) {
	raw, err := c.blocks.Get(blockNumKey(blockNum))
	if err != nil {
		return block.Header{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, blockNum)
	}
	var h block.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return block.Header{}, fmt.Errorf("header unmarshal: %w", err)
	}
	return h, nil
}

// FetchFullBlock loads a header with its transaction ids.
func (c *ChainDB) FetchFullBlock(blockNum uint32) (*block.FullBlock, error) {
	h, err := c.FetchHeader(blockNum)
	if err != nil {
		return nil, err
	}
	ids, err := c.fetchBlockTrxIDs(blockNum)
	if err != nil {
		return nil, err
	}
	return &block.FullBlock{Header: h, TrxIDs: ids}, nil
}

// FetchTrxBlock loads a block with its full transactions.
func (c *ChainDB) FetchTrxBlock(blockNum uint32) (*block.TrxBlock, error) {
	h, err := c.FetchHeader(blockNum)
	if err != nil {
		return nil, err
	}
	ids, err := c.fetchBlockTrxIDs(blockNum)
	if err != nil {
		return nil, err
	}
	trxs := make([]*tx.SignedTransaction, len(ids))
	for i, id := range ids {
		t, err := c.FetchTransaction(id)
		if err != nil {
			return nil, err
		}
		trxs[i] = t
	}
	return &block.TrxBlock{Header: h, Trxs: trxs}, nil
}

func (c *ChainDB) fetchBlockTrxIDs(blockNum uint32) ([]types.Hash160, error) {
	raw, err := c.blockTrxs.Get(blockNumKey(blockNum))
	if err != nil {
		return nil, fmt.Errorf("%w: trxs of height %d", ErrBlockNotFound, blockNum)
	}
	var ids []types.Hash160
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("block trx ids unmarshal: %w", err)
	}
	return ids, nil
}

// FetchInputs resolves every referenced output, failing if any is unknown.
func (c *ChainDB) FetchInputs(inputs []tx.Input) ([]MetaInput, error) {
	resolved := make([]MetaInput, 0, len(inputs))
	for i, in := range inputs {
		tn, err := c.FetchTrxNum(in.OutputRef.TrxHash)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		mt, err := c.FetchTrx(tn)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		idx := in.OutputRef.OutputIdx
		if int(idx) >= len(mt.Trx.Outputs) {
			return nil, fmt.Errorf("input %d: %w: output %d of %s", i, ErrOutputNotFound, idx, in.OutputRef.TrxHash)
		}
		resolved = append(resolved, MetaInput{
			Source:     tn,
			OutputNum:  idx,
			Output:     mt.Trx.Outputs[idx],
			MetaOutput: mt.MetaOutputs[idx],
		})
	}
	return resolved, nil
}

// GetOutput resolves a reference to the output resting there.
func (c *ChainDB) GetOutput(ref types.OutputReference) (tx.Output, error) {
	tn, err := c.FetchTrxNum(ref.TrxHash)
	if err != nil {
		return tx.Output{}, err
	}
	mt, err := c.FetchTrx(tn)
	if err != nil {
		return tx.Output{}, err
	}
	if int(ref.OutputIdx) >= len(mt.Trx.Outputs) {
		return tx.Output{}, fmt.Errorf("%w: output %d of %s", ErrOutputNotFound, ref.OutputIdx, ref.TrxHash)
	}
	return mt.Trx.Outputs[ref.OutputIdx], nil
}

// outputSource adapts ChainDB for the market engine without exporting the
// locked variant.
type outputSource ChainDB

func (s *outputSource) GetOutput(ref types.OutputReference) (tx.Output, error) {
	return (*ChainDB)(s).GetOutput(ref)
}

func trxNumKey(tn types.TrxNum) []byte {
	key := make([]byte, 6)
	binary.BigEndian.PutUint32(key[:4], tn.BlockNum)
	binary.BigEndian.PutUint16(key[4:], tn.TrxIdx)
	return key
}

func blockNumKey(n uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, n)
	return key
}
