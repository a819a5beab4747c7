package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/forkdb"
	"github.com/unityledger/unity-chain/internal/ledger"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// RevertedTrxHandler receives transactions from popped blocks so they can
// rejoin the pending pool.
type RevertedTrxHandler func([]*tx.SignedTransaction)

// TrxPool is the pending-transaction pool as the fetch loop sees it, used
// to answer inventory queries and rebuild compact block announcements.
type TrxPool interface {
	Get(id types.Hash160) (*tx.SignedTransaction, bool)
	GetByShortID(short uint64) (*tx.SignedTransaction, bool)
	Add(t *tx.SignedTransaction) error
	Pending() []*tx.SignedTransaction
}

// Fetcher drives chain sync: it reconciles the applied chain with the best
// fork, keeps exactly one outstanding request per connection, and gossips
// inventory for items received since the last pass.
type Fetcher struct {
	chain *ledger.ChainDB
	forks *forkdb.DB
	peers Registry
	pool  TrxPool

	onReverted RevertedTrxHandler

	// Inventory queued for broadcast since the last loop pass.
	pendingTrxInv   []types.Hash160
	pendingBlockInv []types.Hash160

	nowFn func() time.Time
}

// New creates a fetcher over the ledger, fork database, and peer registry.
// pool may be nil on nodes that never answer pending-transaction queries.
func New(chain *ledger.ChainDB, forks *forkdb.DB, peers Registry, pool TrxPool, onReverted RevertedTrxHandler) *Fetcher {
	return &Fetcher{
		chain:      chain,
		forks:      forks,
		peers:      peers,
		pool:       pool,
		onReverted: onReverted,
		nowFn:      time.Now,
	}
}

// NoteTrxInv queues a transaction id for the next inventory broadcast.
func (f *Fetcher) NoteTrxInv(id types.Hash160) {
	f.pendingTrxInv = append(f.pendingTrxInv, id)
}

// NoteBlockInv queues a block id for the next inventory broadcast.
func (f *Fetcher) NoteBlockInv(id types.Hash160) {
	f.pendingBlockInv = append(f.pendingBlockInv, id)
}

// Run executes the fetch loop until the context is cancelled. Each pass
// broadcasts inventory, advances the applied chain toward the best fork,
// and dispatches at most one query per idle connection; passes are
// separated by a 0.1–20 ms jittered sleep so the loop never spins hot nor
// lags a fast network.
func (f *Fetcher) Run(ctx context.Context) {
	log.Fetch.Info().Msg("fetch loop started")
	for {
		f.broadcastInv()
		f.applyBestFork()
		f.dispatchFetches()

		delay := time.Duration(100+rand.Intn(19900)) * time.Microsecond
		select {
		case <-ctx.Done():
			log.Fetch.Info().Msg("fetch loop stopped")
			return
		case <-time.After(delay):
		}
	}
}

// SyncOnce runs a single fetch-loop pass; exposed for tests and for
// call-sites that need the chain advanced before continuing.
func (f *Fetcher) SyncOnce() {
	f.broadcastInv()
	f.applyBestFork()
	f.dispatchFetches()
}

// applyBestFork pops the applied head back to the fork point and pushes
// the best fork's blocks. A block that fails to apply is marked invalid,
// which reselects the best fork on the next pass.
func (f *Fetcher) applyBestFork() {
	bestID, err := f.forks.BestForkHead()
	if err != nil {
		if !errors.Is(err, forkdb.ErrNoValidFork) {
			log.Fetch.Error().Err(err).Msg("best fork lookup failed")
		}
		return
	}
	best, err := f.forks.FetchHeader(bestID)
	if err != nil {
		return
	}

	for f.chain.HasHead() {
		headNum := f.chain.HeadBlockNum()
		_, headID := f.chain.Head()
		if best.Height <= headNum && bestID == headID {
			return // already applied
		}
		if best.Height < headNum {
			f.popOne()
			continue
		}
		// Same-height different tip, or ancestor mismatch: pop until the
		// applied head lies on the best fork.
		anc, err := f.forks.BestForkFetchAt(headNum)
		if err != nil {
			return
		}
		if anc.ID() != headID {
			if headNum == 0 {
				log.Fetch.Error().Msg("best fork disagrees at genesis; refusing to reorganize")
				return
			}
			f.popOne()
			continue
		}
		if best.Height == headNum {
			return
		}

		next, err := f.forks.BestForkFetchAt(headNum + 1)
		if err != nil {
			return
		}
		nextID := next.ID()
		blk, err := f.forks.FetchBlock(nextID)
		if err != nil {
			return // payload not downloaded yet; dispatcher will fetch it
		}
		if err := f.chain.PushBlock(blk, uint32(f.nowFn().Unix())); err != nil {
			log.Fetch.Warn().Str("id", nextID.String()).Err(err).Msg("block failed to apply, marking fork invalid")
			if err := f.forks.SetValid(nextID, false); err != nil {
				log.Fetch.Error().Err(err).Msg("set invalid failed")
			}
			return
		}
		f.NoteBlockInv(nextID)
	}
}

func (f *Fetcher) popOne() {
	popped, err := f.chain.PopBlock()
	if err != nil {
		log.Fetch.Error().Err(err).Msg("pop failed during reorganization")
		return
	}
	if f.onReverted != nil {
		f.onReverted(popped.Trxs)
	}
}

// dispatchFetches sends at most one outstanding query per connection:
// block payloads missing from the best fork and parents orphans are
// waiting for. Connections are chosen least-recently-queried first among
// those that know the item.
func (f *Fetcher) dispatchFetches() {
	wanted := f.wantedItems()
	if len(wanted) == 0 {
		return
	}
	conns := f.peers.Connections()
	now := f.nowFn()
	for _, id := range wanted {
		var pick Connection
		var pickState *ChannelState
		for _, c := range conns {
			ch := c.Channel(ChannelBlock)
			if ch.HasPendingRequest(config.BlockFetchTimeoutSec*time.Second, now) {
				continue
			}
			if !ch.Knows(id) {
				continue
			}
			if pick == nil || ch.LastQueried().Before(pickState.LastQueried()) {
				pick, pickState = c, ch
			}
		}
		if pick == nil {
			continue
		}
		if err := pick.Send(GetBlockMsg, &GetBlockMessage{ID: id}); err != nil {
			log.Fetch.Debug().Str("peer", pick.ID()).Err(err).Msg("get_block send failed")
			continue
		}
		pickState.BeginRequest(id, now)
	}
}

// wantedItems lists block ids the node needs: unapplied best-fork payloads
// first, then unknown orphan parents.
func (f *Fetcher) wantedItems() []types.Hash160 {
	var wanted []types.Hash160
	if bestID, err := f.forks.BestForkHead(); err == nil {
		if best, err := f.forks.FetchHeader(bestID); err == nil {
			headNum := f.chain.HeadBlockNum()
			if f.chain.HasHead() && best.Height > headNum {
				if next, err := f.forks.BestForkFetchAt(headNum + 1); err == nil {
					id := next.ID()
					if _, err := f.forks.FetchBlock(id); err != nil {
						wanted = append(wanted, id)
					}
				}
			}
		}
	}
	unknown, err := f.forks.FetchUnknown()
	if err == nil {
		wanted = append(wanted, unknown...)
	}
	return wanted
}

// broadcastInv pushes queued inventory to every connection that has not
// already acknowledged the item, marking it known once sent.
func (f *Fetcher) broadcastInv() {
	if len(f.pendingTrxInv) == 0 && len(f.pendingBlockInv) == 0 {
		return
	}
	trxInv := f.pendingTrxInv
	blockInv := f.pendingBlockInv
	f.pendingTrxInv = nil
	f.pendingBlockInv = nil

	for _, c := range f.peers.Connections() {
		if ids := unknownTo(c.Channel(ChannelTrx), trxInv); len(ids) > 0 {
			if err := c.Send(NameInvMsg, &NameInvMessage{IDs: ids}); err == nil {
				for _, id := range ids {
					c.Channel(ChannelTrx).MarkKnown(id)
				}
			}
		}
		if ids := unknownTo(c.Channel(ChannelBlock), blockInv); len(ids) > 0 {
			if err := c.Send(BlockInvMsg, &BlockInvMessage{IDs: ids}); err == nil {
				for _, id := range ids {
					c.Channel(ChannelBlock).MarkKnown(id)
				}
			}
		}
	}
}

func unknownTo(ch *ChannelState, ids []types.Hash160) []types.Hash160 {
	var out []types.Hash160
	for _, id := range ids {
		if !ch.Knows(id) {
			out = append(out, id)
		}
	}
	return out
}

// BuildLocator returns exponentially spaced ancestor ids of the applied
// head, newest first, for a GetHeaders request.
func (f *Fetcher) BuildLocator() []types.Hash160 {
	var locator []types.Hash160
	if !f.chain.HasHead() {
		return locator
	}
	head := f.chain.HeadBlockNum()
	step := uint32(1)
	for n := head; ; {
		if h, err := f.chain.FetchHeader(n); err == nil {
			locator = append(locator, h.ID())
		}
		if n == 0 || len(locator) >= 32 {
			break
		}
		if len(locator) > 8 {
			step *= 2
		}
		if n < step {
			n = 0
		} else {
			n -= step
		}
	}
	return locator
}

// HandleMessage processes one incoming chain-sync message from a peer.
// Per-connection delivery is FIFO; errors are answered by ignoring the
// message (peer penalties are higher-level policy).
func (f *Fetcher) HandleMessage(conn Connection, msgType MessageType, decode func(any) error) {
	switch msgType {
	case BlockInvMsg:
		var m BlockInvMessage
		if decode(&m) != nil {
			return
		}
		ch := conn.Channel(ChannelBlock)
		for _, id := range m.IDs {
			ch.MarkKnown(id)
		}
	case NameInvMsg:
		var m NameInvMessage
		if decode(&m) != nil {
			return
		}
		ch := conn.Channel(ChannelTrx)
		for _, id := range m.IDs {
			ch.MarkKnown(id)
		}
	case GetHeadersMsg:
		var m GetHeadersMessage
		if decode(&m) != nil {
			return
		}
		f.answerGetHeaders(conn, &m)
	case GetBlockMsg:
		var m GetBlockMessage
		if decode(&m) != nil {
			return
		}
		f.answerGetBlock(conn, m.ID)
	case HeadersMsg:
		var m HeadersMessage
		if decode(&m) != nil {
			return
		}
		f.acceptHeaders(conn, &m)
	case BlockMsg:
		var m BlockMessage
		if decode(&m) != nil {
			return
		}
		conn.Channel(ChannelBlock).CompleteRequest()
		if err := f.forks.CacheBlock(&m.Block); err != nil {
			log.Fetch.Warn().Err(err).Msg("cache block failed")
		}
	case GetNameInvMsg:
		f.answerGetNameInv(conn)
	case GetNameHeaderMsg:
		var m GetNameHeaderMessage
		if decode(&m) != nil {
			return
		}
		f.answerGetNameHeader(conn, m.ShortID)
	case NameHeaderMsg:
		var m NameHeaderMessage
		if decode(&m) != nil || f.pool == nil {
			return
		}
		conn.Channel(ChannelTrx).CompleteRequest()
		trx := m.Trx
		if err := f.pool.Add(&trx); err == nil {
			f.NoteTrxInv(trx.ID())
		}
	case GetBlockIndexMsg:
		var m GetBlockIndexMessage
		if decode(&m) != nil {
			return
		}
		f.answerGetBlockIndex(conn, m.ID)
	case BlockIndexMsg:
		var m BlockIndexMessage
		if decode(&m) != nil {
			return
		}
		f.acceptBlockIndex(conn, &m)
	}
}

// answerGetNameInv replies with the node's pending transaction inventory.
func (f *Fetcher) answerGetNameInv(conn Connection) {
	if f.pool == nil {
		return
	}
	pending := f.pool.Pending()
	const maxInv = 500
	ids := make([]types.Hash160, 0, len(pending))
	for _, t := range pending {
		ids = append(ids, t.ID())
		if len(ids) == maxInv {
			break
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := conn.Send(NameInvMsg, &NameInvMessage{IDs: ids}); err == nil {
		ch := conn.Channel(ChannelTrx)
		for _, id := range ids {
			ch.MarkKnown(id)
		}
	}
}

// answerGetNameHeader replies with one pending transaction by short id.
func (f *Fetcher) answerGetNameHeader(conn Connection, short uint64) {
	if f.pool == nil {
		return
	}
	trx, ok := f.pool.GetByShortID(short)
	if !ok {
		return
	}
	if err := conn.Send(NameHeaderMsg, &NameHeaderMessage{Trx: *trx}); err != nil {
		log.Fetch.Debug().Str("peer", conn.ID()).Err(err).Msg("name header send failed")
	}
}

// answerGetBlockIndex replies with a compact block announcement.
func (f *Fetcher) answerGetBlockIndex(conn Connection, id types.Hash160) {
	blk, err := f.forks.FetchBlock(id)
	if err != nil {
		num, err := f.chain.FetchBlockNum(id)
		if err != nil {
			return
		}
		if blk, err = f.chain.FetchTrxBlock(num); err != nil {
			return
		}
	}
	m := BlockIndexMessage{Header: blk.Header}
	for _, t := range blk.Trxs {
		m.TrxShortIDs = append(m.TrxShortIDs, ShortID(t.ID()))
	}
	if err := conn.Send(BlockIndexMsg, &m); err != nil {
		log.Fetch.Debug().Str("peer", conn.ID()).Err(err).Msg("block index send failed")
	}
}

// acceptBlockIndex rebuilds an announced block from the pending pool,
// falling back to a full block request when any transaction is missing.
func (f *Fetcher) acceptBlockIndex(conn Connection, m *BlockIndexMessage) {
	id := m.Header.ID()
	conn.Channel(ChannelBlock).MarkKnown(id)

	var trxs []*tx.SignedTransaction
	complete := f.pool != nil
	if complete {
		for _, short := range m.TrxShortIDs {
			t, ok := f.pool.GetByShortID(short)
			if !ok {
				complete = false
				break
			}
			trxs = append(trxs, t)
		}
	}
	if !complete {
		if err := conn.Send(GetBlockMsg, &GetBlockMessage{ID: id}); err == nil {
			conn.Channel(ChannelBlock).BeginRequest(id, f.nowFn())
		}
		return
	}
	blk := &block.TrxBlock{Header: m.Header, Trxs: trxs}
	if blk.TrxMRoot != blk.CalculateMerkleRoot() {
		// Short-id collision or stale pool entry: take the full block.
		if err := conn.Send(GetBlockMsg, &GetBlockMessage{ID: id}); err == nil {
			conn.Channel(ChannelBlock).BeginRequest(id, f.nowFn())
		}
		return
	}
	if err := f.forks.CacheBlock(blk); err != nil {
		log.Fetch.Warn().Err(err).Msg("cache reconstructed block failed")
	}
}

// answerGetHeaders replies with a contiguous header run starting at the
// first locator the ledger recognizes.
func (f *Fetcher) answerGetHeaders(conn Connection, m *GetHeadersMessage) {
	if !f.chain.HasHead() {
		return
	}
	start := uint32(0)
	for _, loc := range m.LocatorHashes {
		if num, err := f.chain.FetchBlockNum(loc); err == nil {
			start = num
			break
		}
	}
	head, headID := f.chain.Head()
	reply := HeadersMessage{
		FirstBlockNum: start,
		HeadBlockNum:  head.BlockNum,
		HeadBlockID:   headID,
	}
	first, err := f.chain.FetchHeader(start)
	if err != nil {
		return
	}
	reply.First = first
	const maxHeaders = 2000
	for n := start + 1; n <= head.BlockNum && len(reply.Headers) < maxHeaders; n++ {
		h, err := f.chain.FetchHeader(n)
		if err != nil {
			break
		}
		reply.Headers = append(reply.Headers, h)
	}
	if err := conn.Send(HeadersMsg, &reply); err != nil {
		log.Fetch.Debug().Str("peer", conn.ID()).Err(err).Msg("headers send failed")
	}
}

func (f *Fetcher) answerGetBlock(conn Connection, id types.Hash160) {
	blk, err := f.forks.FetchBlock(id)
	if err != nil {
		num, err := f.chain.FetchBlockNum(id)
		if err != nil {
			return
		}
		blk, err = f.chain.FetchTrxBlock(num)
		if err != nil {
			return
		}
	}
	if err := conn.Send(BlockMsg, &BlockMessage{Block: *blk}); err != nil {
		log.Fetch.Debug().Str("peer", conn.ID()).Err(err).Msg("block send failed")
	}
}

// acceptHeaders caches a header run into the fork database and records
// the peer's announced head.
func (f *Fetcher) acceptHeaders(conn Connection, m *HeadersMessage) {
	headers := make([]block.Header, 0, 1+len(m.Headers))
	headers = append(headers, m.First)
	headers = append(headers, m.Headers...)
	for i := range headers {
		if err := f.forks.CacheHeader(&headers[i]); err != nil {
			log.Fetch.Warn().Err(err).Msg("cache header failed")
			return
		}
		conn.Channel(ChannelBlock).MarkKnown(headers[i].ID())
	}
	conn.Channel(ChannelBlock).MarkKnown(m.HeadBlockID)
}
