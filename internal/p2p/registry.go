package p2p

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/unityledger/unity-chain/internal/fetcher"
	klog "github.com/unityledger/unity-chain/internal/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// MessageHandler receives one decoded chain-sync message from a peer.
type MessageHandler func(conn fetcher.Connection, msgType fetcher.MessageType, decode func(any) error)

// Peer is one live connection as seen by the fetch loop: channel state
// plus a lazily opened outbound sync stream. Sends are serialized so the
// peer observes messages in order.
type Peer struct {
	id   peer.ID
	node *Node

	mu       sync.Mutex
	stream   network.Stream
	channels map[string]*fetcher.ChannelState
}

// ID returns the peer identity string.
func (p *Peer) ID() string {
	return p.id.String()
}

// Channel returns (creating if needed) the named channel state.
func (p *Peer) Channel(name string) *fetcher.ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[name]
	if !ok {
		ch = fetcher.NewChannelState()
		p.channels[name] = ch
	}
	return ch
}

// Send writes one framed sync message to the peer asynchronously with
// respect to the fetch loop: a send failure closes the stream so the next
// send redials.
func (p *Peer) Send(msgType fetcher.MessageType, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode sync message %d: %w", msgType, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		s, err := p.node.host.NewStream(p.node.ctx, p.id, SyncProtocol)
		if err != nil {
			return fmt.Errorf("open sync stream to %s: %w", p.id, err)
		}
		p.stream = s
	}
	if err := WriteFrame(p.stream, Frame{Type: uint16(msgType), Payload: payload}); err != nil {
		_ = p.stream.Reset()
		p.stream = nil
		return fmt.Errorf("send to %s: %w", p.id, err)
	}
	return nil
}

// PeerRegistry owns every peer connection; the fetch loop and message
// handlers reach peers only through it.
type PeerRegistry struct {
	node *Node

	mu      sync.Mutex
	peers   map[peer.ID]*Peer
	handler MessageHandler
}

// NewPeerRegistry creates the registry for a node.
func NewPeerRegistry(n *Node) *PeerRegistry {
	return &PeerRegistry{node: n, peers: make(map[peer.ID]*Peer)}
}

// SetMessageHandler installs the chain-sync message handler. Must be set
// before the node starts accepting streams.
func (r *PeerRegistry) SetMessageHandler(h MessageHandler) {
	r.handler = h
}

// Connections lists a Connection per currently connected peer.
func (r *PeerRegistry) Connections() []fetcher.Connection {
	connected := r.node.host.Network().Peers()
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[peer.ID]bool, len(connected))
	out := make([]fetcher.Connection, 0, len(connected))
	for _, id := range connected {
		live[id] = true
		out = append(out, r.getOrCreate(id))
	}
	// Drop state for peers that disconnected; their in-flight fetches get
	// redispatched by timeout.
	for id := range r.peers {
		if !live[id] {
			delete(r.peers, id)
		}
	}
	return out
}

// Peer returns the connection for a peer id.
func (r *PeerRegistry) Peer(id peer.ID) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(id)
}

func (r *PeerRegistry) getOrCreate(id peer.ID) *Peer {
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{id: id, node: r.node, channels: make(map[string]*fetcher.ChannelState)}
		r.peers[id] = p
	}
	return p
}

// registerStreamHandler wires inbound sync streams into the message
// handler. Each stream is drained in order on its own reader.
func (r *PeerRegistry) registerStreamHandler() {
	r.node.host.SetStreamHandler(SyncProtocol, func(s network.Stream) {
		remote := s.Conn().RemotePeer()
		conn := r.Peer(remote)
		defer s.Close()
		for {
			frame, err := ReadFrame(s)
			if err != nil {
				return // stream closed or corrupt framing: drop connection
			}
			if r.handler == nil {
				continue
			}
			payload := frame.Payload
			r.handler(conn, fetcher.MessageType(frame.Type), func(v any) error {
				return json.Unmarshal(payload, v)
			})
		}
	})
	klog.P2P.Debug().Msg("sync stream handler registered")
}
