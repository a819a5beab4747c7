package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/unityledger/unity-chain/internal/log"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

// GossipSub topic names.
const (
	TopicTrxs      = "/unity/trx/1.0.0"
	TopicBlocks    = "/unity/block/1.0.0"
	TopicProposals = "/unity/proposal/1.0.0"
)

// SyncProtocol is the stream protocol carrying framed chain-sync messages.
const SyncProtocol = protocol.ID("/unity/sync/1.0.0")

const (
	// dhtRendezvousFallback is the DHT namespace when no NetworkID is set.
	dhtRendezvousFallback = "unity-chain"

	// dhtDiscoveryInterval is how often DHT FindPeers runs.
	dhtDiscoveryInterval = 30 * time.Second

	// connectRetryInterval is the fixed backoff between outbound connect
	// attempts to seed peers.
	connectRetryInterval = 30 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	NetworkID  string
	DataDir    string
}

// Node is a libp2p host with the chain's gossip topics and sync streams.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	topicTrx      *pubsub.Topic
	topicBlock    *pubsub.Topic
	topicProposal *pubsub.Topic

	trxHandler      func(peer.ID, []byte)
	blockHandler    func(peer.ID, []byte)
	proposalHandler func(peer.ID, []byte)

	registry *PeerRegistry
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry returns the peer registry the fetch loop consumes.
func (n *Node) Registry() *PeerRegistry {
	return n.registry
}

// HostID returns the local peer id, once started.
func (n *Node) HostID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// SetHandlers installs gossip payload handlers. Must be called before
// Start.
func (n *Node) SetHandlers(trx, block, proposal func(peer.ID, []byte)) {
	n.trxHandler = trx
	n.blockHandler = block
	n.proposalHandler = proposal
}

// Start brings the host up: listeners, gossip subscriptions, seed
// connections, and DHT discovery.
func (n *Node) Start() error {
	key, err := n.loadOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	listen := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(listen),
	)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	n.host = h
	n.registry = NewPeerRegistry(n)

	ps, err := pubsub.NewGossipSub(n.ctx, h)
	if err != nil {
		return fmt.Errorf("gossipsub: %w", err)
	}
	n.pubsub = ps

	if n.topicTrx, err = n.joinAndRead(TopicTrxs, func(id peer.ID, b []byte) {
		if n.trxHandler != nil {
			n.trxHandler(id, b)
		}
	}); err != nil {
		return err
	}
	if n.topicBlock, err = n.joinAndRead(TopicBlocks, func(id peer.ID, b []byte) {
		if n.blockHandler != nil {
			n.blockHandler(id, b)
		}
	}); err != nil {
		return err
	}
	if n.topicProposal, err = n.joinAndRead(TopicProposals, func(id peer.ID, b []byte) {
		if n.proposalHandler != nil {
			n.proposalHandler(id, b)
		}
	}); err != nil {
		return err
	}

	n.registry.registerStreamHandler()
	n.connectSeeds()
	if !n.config.NoDiscover {
		if err := n.startDiscovery(); err != nil {
			klog.P2P.Warn().Err(err).Msg("dht discovery unavailable")
		}
	}

	klog.P2P.Info().
		Str("id", h.ID().String()).
		Str("listen", listen).
		Msg("p2p node started")
	return nil
}

// Shutdown drains readers and closes the host. Must be called exactly
// once; the node is unusable afterwards.
func (n *Node) Shutdown() error {
	n.cancel()
	n.wg.Wait()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// joinAndRead joins a gossip topic and pumps its messages to the handler
// until shutdown.
func (n *Node) joinAndRead(topic string, handler func(peer.ID, []byte)) (*pubsub.Topic, error) {
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return // context cancelled or subscription closed
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			handler(msg.ReceivedFrom, msg.Data)
		}
	}()
	return t, nil
}

// connectSeeds dials the configured seed peers, retrying on the fixed
// backoff until shutdown or success.
func (n *Node) connectSeeds() {
	for _, seed := range n.config.Seeds {
		addr, err := multiaddr.NewMultiaddr(seed)
		if err != nil {
			klog.P2P.Warn().Str("seed", seed).Err(err).Msg("invalid seed address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			klog.P2P.Warn().Str("seed", seed).Err(err).Msg("invalid seed peer info")
			continue
		}
		n.wg.Add(1)
		go func(info peer.AddrInfo) {
			defer n.wg.Done()
			for {
				ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
				err := n.host.Connect(ctx, info)
				cancel()
				if err == nil {
					klog.P2P.Info().Str("peer", info.ID.String()).Msg("connected to seed")
					return
				}
				klog.P2P.Debug().Str("peer", info.ID.String()).Err(err).Msg("seed connect failed, retrying")
				select {
				case <-n.ctx.Done():
					return
				case <-time.After(connectRetryInterval):
				}
			}
		}(*info)
	}
}

// startDiscovery runs Kademlia peer discovery under the network's
// rendezvous string.
func (n *Node) startDiscovery() error {
	kdht, err := dht.New(n.ctx, n.host, dht.Mode(dht.ModeAuto))
	if err != nil {
		return err
	}
	if err := kdht.Bootstrap(n.ctx); err != nil {
		return err
	}
	n.dht = kdht

	rendezvous := n.config.NetworkID
	if rendezvous == "" {
		rendezvous = dhtRendezvousFallback
	}
	routing := drouting.NewRoutingDiscovery(kdht)
	dutil.Advertise(n.ctx, routing, rendezvous)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(dhtDiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				peers, err := routing.FindPeers(n.ctx, rendezvous)
				if err != nil {
					continue
				}
				for p := range peers {
					if p.ID == n.host.ID() || len(p.Addrs) == 0 {
						continue
					}
					if n.host.Network().Connectedness(p.ID) == network.Connected {
						continue
					}
					ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
					_ = n.host.Connect(ctx, p)
					cancel()
				}
			}
		}
	}()
	return nil
}

// loadOrCreateIdentity persists the libp2p identity key under the data
// directory so the node keeps its peer id across restarts.
func (n *Node) loadOrCreateIdentity() (libp2pcrypto.PrivKey, error) {
	if n.config.DataDir == "" {
		key, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		return key, err
	}
	path := filepath.Join(n.config.DataDir, "node.key")
	if raw, err := os.ReadFile(path); err == nil {
		return libp2pcrypto.UnmarshalPrivateKey(raw)
	}
	key, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(n.config.DataDir, 0o700); err != nil {
		return nil, err
	}
	// Write aside and rename so a crash never leaves a torn key file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return key, nil
}
