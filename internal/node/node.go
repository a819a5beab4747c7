// Package node composes the ledger, fork database, consensus, mempool,
// miner, and network into a running full node.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/fetcher"
	"github.com/unityledger/unity-chain/internal/forkdb"
	"github.com/unityledger/unity-chain/internal/ledger"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/internal/mempool"
	"github.com/unityledger/unity-chain/internal/miner"
	"github.com/unityledger/unity-chain/internal/p2p"
	"github.com/unityledger/unity-chain/internal/storage"
	"github.com/unityledger/unity-chain/internal/unity"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Node is a full Unity chain node.
type Node struct {
	cfg *config.Config

	chainStore storage.DB
	forkStore  storage.DB
	chain      *ledger.ChainDB
	forks      *forkdb.DB
	pool       *mempool.Pool
	consensus  *unity.Node
	network    *p2p.Node
	fetch      *fetcher.Fetcher
	worker     *miner.Worker

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
	mu       sync.Mutex
}

// New assembles a node from configuration and the genesis description.
// Upgrade registrations must be complete before this runs.
func New(cfg *config.Config, gen *config.Genesis, upgrades *storage.UpgradeRegistry) (*Node, error) {
	chainStore, err := storage.NewBadger(cfg.ChainDir())
	if err != nil {
		return nil, fmt.Errorf("open chain store: %w", err)
	}
	forkStore, err := storage.NewBadger(cfg.ForksDir())
	if err != nil {
		chainStore.Close()
		return nil, fmt.Errorf("open fork store: %w", err)
	}

	chain, err := ledger.Open(chainStore, upgrades)
	if err != nil {
		chainStore.Close()
		forkStore.Close()
		return nil, err
	}
	if err := chain.InitFromGenesis(gen); err != nil {
		chainStore.Close()
		forkStore.Close()
		return nil, err
	}
	forks := forkdb.Open(forkStore)
	genesis, err := chain.FetchTrxBlock(0)
	if err != nil {
		chainStore.Close()
		forkStore.Close()
		return nil, err
	}
	if err := forks.CacheBlock(genesis); err != nil {
		chainStore.Close()
		forkStore.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		chainStore: chainStore,
		forkStore:  forkStore,
		chain:      chain,
		forks:      forks,
		pool:       mempool.New(chain, 0),
		worker:     miner.NewWorker(),
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Unity.Enabled {
		ucfg, err := loadUnityConfig(cfg)
		if err != nil {
			cancel()
			chainStore.Close()
			forkStore.Close()
			return nil, err
		}
		n.consensus = unity.NewNode(ucfg, func() uint32 { return uint32(time.Now().Unix()) })
	}

	if cfg.P2P.Enabled {
		n.network = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			NetworkID:  cfg.P2P.NetworkID,
			DataDir:    cfg.DataDir,
		})
	}
	return n, nil
}

// Chain exposes the ledger for tooling.
func (n *Node) Chain() *ledger.ChainDB {
	return n.chain
}

// Pool exposes the mempool for tooling.
func (n *Node) Pool() *mempool.Pool {
	return n.pool
}

// Start brings up networking, the fetch loop, and mining.
func (n *Node) Start() error {
	if n.network != nil {
		n.network.SetHandlers(n.onGossipTrx, n.onGossipBlock, n.onGossipProposal)
		if err := n.network.Start(); err != nil {
			return err
		}
		n.fetch = fetcher.New(n.chain, n.forks, n.network.Registry(), n.pool, n.pool.Reinsert)
		n.network.Registry().SetMessageHandler(func(conn fetcher.Connection, t fetcher.MessageType, decode func(any) error) {
			n.fetch.HandleMessage(conn, t, decode)
		})
	} else {
		n.fetch = fetcher.New(n.chain, n.forks, emptyRegistry{}, n.pool, n.pool.Reinsert)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.fetch.Run(n.ctx)
	}()

	if n.cfg.Mining.Enabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.miningLoop()
		}()
	}
	return nil
}

// Shutdown drains every long-running fiber and closes the stores. Safe to
// call once; the node is unusable afterwards.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	n.mu.Unlock()

	n.worker.Stop()
	n.cancel()
	n.wg.Wait()
	if n.network != nil {
		if err := n.network.Shutdown(); err != nil {
			log.P2P.Warn().Err(err).Msg("network shutdown")
		}
	}
	if err := n.forkStore.Close(); err != nil {
		return err
	}
	return n.chainStore.Close()
}

// SubmitTransaction admits a locally submitted transaction and gossips it.
func (n *Node) SubmitTransaction(t *tx.SignedTransaction) error {
	if err := n.pool.Add(t); err != nil {
		return err
	}
	id := t.ID()
	if n.consensus != nil {
		n.consensus.SetItemValidity(id, true)
	}
	if n.fetch != nil {
		n.fetch.NoteTrxInv(id)
	}
	if n.network != nil {
		if err := n.network.BroadcastTrx(t); err != nil {
			log.P2P.Debug().Err(err).Msg("trx broadcast failed")
		}
	}
	return nil
}

// miningLoop keeps the worker supplied with fresh templates and feeds
// solved blocks back into the fork database.
func (n *Node) miningLoop() {
	rebuild := time.NewTicker(2 * time.Second)
	defer rebuild.Stop()

	// Work restarts whenever the head moves or the pending set changes.
	var lastTemplateHead types.Hash160
	lastPoolSize := -1
	for {
		select {
		case <-n.ctx.Done():
			return
		case solved := <-n.worker.Solved():
			if err := n.forks.CacheBlock(solved); err != nil {
				log.Miner.Error().Err(err).Msg("cache solved block")
				continue
			}
			if n.fetch != nil {
				n.fetch.NoteBlockInv(solved.Header.ID())
			}
			if n.network != nil {
				if err := n.network.BroadcastBlock(solved); err != nil {
					log.P2P.Debug().Err(err).Msg("block broadcast failed")
				}
			}
			lastTemplateHead = types.Hash160{} // force a fresh template
		case <-rebuild.C:
			head, headID := n.chain.Head()
			if headID == lastTemplateHead && n.pool.Size() == lastPoolSize {
				continue
			}
			template, err := n.chain.GenerateNextBlock(n.pool.Pending(), uint32(time.Now().Unix()))
			if err != nil {
				log.Miner.Debug().Err(err).Msg("template generation failed")
				continue
			}
			n.worker.SetWork(template, head.NextDifficulty, head.AvailCoindays)
			lastTemplateHead = headID
			lastPoolSize = n.pool.Size()
		}
	}
}

// onGossipTrx handles a transaction received from the gossip mesh.
func (n *Node) onGossipTrx(from peer.ID, data []byte) {
	var t tx.SignedTransaction
	if err := json.Unmarshal(data, &t); err != nil {
		log.P2P.Debug().Str("peer", from.String()).Err(err).Msg("malformed gossip trx")
		return
	}
	if err := n.pool.Add(&t); err != nil {
		// Racing an honest peer is normal; no penalty.
		log.Mempool.Debug().Err(err).Msg("gossip trx rejected")
		return
	}
	id := t.ID()
	if n.consensus != nil {
		n.consensus.SetItemValidity(id, true)
	}
	if n.fetch != nil {
		n.fetch.NoteTrxInv(id)
	}
}

// onGossipBlock handles a block received from the gossip mesh.
func (n *Node) onGossipBlock(from peer.ID, data []byte) {
	var b block.TrxBlock
	if err := json.Unmarshal(data, &b); err != nil {
		log.P2P.Debug().Str("peer", from.String()).Err(err).Msg("malformed gossip block")
		return
	}
	if err := n.forks.CacheBlock(&b); err != nil {
		log.Fork.Warn().Err(err).Msg("gossip block rejected")
		return
	}
	n.pool.RemoveConfirmed(b.Trxs)
	n.pool.Revalidate()
}

// onGossipProposal handles a unity proposal from another signer.
func (n *Node) onGossipProposal(from peer.ID, data []byte) {
	if n.consensus == nil {
		return
	}
	var m unity.ProposalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Unity.Debug().Str("peer", from.String()).Err(err).Msg("malformed proposal")
		return
	}
	changed, err := n.consensus.ProcessProposal(m.SignedProposal)
	if err != nil {
		log.Unity.Debug().Err(err).Msg("proposal dropped")
		return
	}
	if n.consensus.HasUnity() {
		committed := n.consensus.AcceptCurrentProposal()
		log.Unity.Info().Int("items", len(committed.Items)).Msg("round committed")
	}
	if changed && n.cfg.Unity.KeyFile != "" {
		sp, err := n.consensus.CurrentProposal()
		if err == nil && n.network != nil {
			if err := n.network.BroadcastProposal(&sp); err != nil {
				log.P2P.Debug().Err(err).Msg("proposal broadcast failed")
			}
		}
	}
}

// emptyRegistry is the offline stand-in when p2p is disabled.
type emptyRegistry struct{}

func (emptyRegistry) Connections() []fetcher.Connection { return nil }

// loadUnityConfig parses the UNL addresses and optional signer key.
func loadUnityConfig(cfg *config.Config) (unity.Config, error) {
	var ucfg unity.Config
	for _, s := range cfg.Unity.UniqueNodeList {
		addr, err := types.ParseAddress(s)
		if err != nil {
			return unity.Config{}, fmt.Errorf("unl entry %q: %w", s, err)
		}
		ucfg.UniqueNodeList = append(ucfg.UniqueNodeList, addr)
	}
	if cfg.Unity.KeyFile != "" {
		key, err := loadSignerKey(cfg.Unity.KeyFile)
		if err != nil {
			return unity.Config{}, err
		}
		ucfg.Key = key
	}
	return ucfg, nil
}
