package unity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/unityledger/unity-chain/config"
	"github.com/unityledger/unity-chain/internal/log"
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Policy errors. Proposals failing these are silently dropped by callers.
var (
	ErrNotInUNL = errors.New("signer not in unique node list")
	ErrStale    = errors.New("proposal older than signer's last")
)

// Config fixes the trusted signer set and, for participating nodes, the
// local signing key.
type Config struct {
	UniqueNodeList []types.Address
	Key            *crypto.PrivateKey
}

// proposalState is the latest proposal seen from one signer plus the
// weight assigned to it this round.
type proposalState struct {
	proposal Proposal
	weight   float64
}

// itemState is the standing of one item id across all peer proposals.
type itemState struct {
	valid       bool
	weightedAvg float64
	count       uint64
}

// Node runs the unity algorithm, abstracted from the transport: callers
// feed in signed proposals and locally validated items, and read out the
// current proposal and committed rounds.
type Node struct {
	cfg Config

	itemStates    map[types.Hash160]*itemState
	peerProposals map[types.Address]*proposalState
	nextVotes     map[types.Hash256]uint32
	prevVotes     map[types.Hash256]uint32

	current Proposal
	prev    Proposal

	// nowFn supplies timestamps for freshly rooted proposals; injectable
	// for deterministic tests.
	nowFn func() uint32
}

// NewNode creates a consensus node for the given configuration.
func NewNode(cfg Config, nowFn func() uint32) *Node {
	n := &Node{
		cfg:           cfg,
		itemStates:    make(map[types.Hash160]*itemState),
		peerProposals: make(map[types.Address]*proposalState),
		nextVotes:     make(map[types.Hash256]uint32),
		prevVotes:     make(map[types.Hash256]uint32),
		nowFn:         nowFn,
	}
	n.current = NewProposal(types.Hash256{}, 0)
	return n
}

// InUNL reports whether an address is an authorized signer.
func (n *Node) InUNL(addr types.Address) bool {
	for _, a := range n.cfg.UniqueNodeList {
		if a == addr {
			return true
		}
	}
	return false
}

// SetItemValidity records the local node's opinion of an item. Only
// locally valid items join proposals this node originates.
func (n *Node) SetItemValidity(id types.Hash160, valid bool) {
	st, ok := n.itemStates[id]
	if !ok {
		st = &itemState{}
		n.itemStates[id] = st
	}
	st.valid = valid
	if len(n.current.Items) == 0 && valid {
		n.generateInitialProposal(n.current.Prev)
	}
}

// HasItem reports whether the node is already tracking an item.
func (n *Node) HasItem(id types.Hash160) bool {
	_, ok := n.itemStates[id]
	return ok
}

// MissingItems lists items voted on by peers that the local node has not
// validated yet; the caller should fetch their payloads.
func (n *Node) MissingItems() []types.Hash160 {
	var missing []types.Hash160
	for id, st := range n.itemStates {
		if !st.valid && st.count > 0 {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return string(missing[i][:]) < string(missing[j][:]) })
	return missing
}

// CurrentProposal signs and returns the local node's current proposal.
func (n *Node) CurrentProposal() (SignedProposal, error) {
	if n.cfg.Key == nil {
		return SignedProposal{}, fmt.Errorf("node has no signing key")
	}
	return Sign(n.current.Clone(), n.cfg.Key)
}

// PrevProposal returns the last committed proposal.
func (n *Node) PrevProposal() Proposal {
	return n.prev.Clone()
}

// ProcessProposal folds one signed proposal into the round state.
// Returns true when the local proposal changed and should be rebroadcast.
func (n *Node) ProcessProposal(sp SignedProposal) (bool, error) {
	signee, err := sp.Signee()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNotInUNL, err)
	}
	if !n.InUNL(signee) {
		return false, fmt.Errorf("%w: %s", ErrNotInUNL, signee)
	}

	state, seen := n.peerProposals[signee]
	if !seen {
		n.prevVotes[sp.Prev]++
	} else {
		cur := state.proposal
		if cur.Timestamp > sp.Timestamp {
			return false, fmt.Errorf("%w: %d before %d", ErrStale, sp.Timestamp, cur.Timestamp)
		}
		if cur.Digest() == sp.Digest() {
			return false, nil // nothing changed with this peer
		}
		if sp.Prev != cur.Prev {
			n.decrementVote(n.prevVotes, cur.Prev)
			n.prevVotes[sp.Prev]++
		}
		n.decrementVote(n.nextVotes, cur.Digest())
		n.removeItemVotes(cur)
	}

	n.peerProposals[signee] = &proposalState{proposal: sp.Proposal.Clone()}
	n.addItemVotes(sp.Proposal)
	n.nextVotes[sp.Digest()]++

	majorityPrev, hasMajority := n.findMajority(n.prevVotes, config.UnityPrevMajority)
	if majorityPrev != n.current.Prev {
		if hasMajority {
			// The network moved on without us; re-root.
			log.Unity.Info().Str("prev", majorityPrev.String()).Msg("re-rooting onto majority prev")
			n.generateInitialProposal(majorityPrev)
			return true, nil
		}
		return false, nil // no majority, hold position
	}
	return n.updateCurrentProposal(), nil
}

// HasUnity reports whether the current proposal matches the digest agreed
// by a supermajority of the UNL.
func (n *Node) HasUnity() bool {
	digest, ok := n.findMajority(n.nextVotes, config.UnityNextMajority)
	return ok && digest == n.current.Digest()
}

// AcceptCurrentProposal commits the current proposal: its items leave the
// tracked set and the next round starts rooted at its digest.
func (n *Node) AcceptCurrentProposal() Proposal {
	committed := n.current.Clone()
	n.prev = committed
	for id := range committed.Items {
		delete(n.itemStates, id)
	}
	n.generateInitialProposal(committed.Digest())
	return committed
}

// RemovePeer drops a disconnected signer's proposal and every vote it
// contributed, so long-running tallies cannot drift.
func (n *Node) RemovePeer(addr types.Address) {
	state, ok := n.peerProposals[addr]
	if !ok {
		return
	}
	n.decrementVote(n.prevVotes, state.proposal.Prev)
	n.decrementVote(n.nextVotes, state.proposal.Digest())
	n.removeItemVotes(state.proposal)
	delete(n.peerProposals, addr)
}

func (n *Node) updateCurrentProposal() bool {
	n.calculateWeights()
	n.sumWeightedVotes()
	return n.generateNewProposal()
}

// generateInitialProposal roots a fresh proposal at prev, voting for every
// locally valid item.
func (n *Node) generateInitialProposal(prev types.Hash256) {
	n.current = NewProposal(prev, n.nowFn())
	for id, st := range n.itemStates {
		if st.valid {
			n.current.Items[id] = true
		}
	}
}

// calculateWeights assigns each same-page peer a weight: the average vote
// count over its items, normalized by the active peer count. A peer
// proposing widely supported items speaks with more weight.
func (n *Node) calculateWeights() {
	activePeers := uint64(len(n.peerProposals))
	if half := uint64(len(n.cfg.UniqueNodeList)) / 2; activePeers < half {
		activePeers = half
	}
	if activePeers == 0 {
		return
	}
	for _, state := range n.peerProposals {
		if state.proposal.Prev != n.current.Prev {
			continue
		}
		var totalVotes uint64
		for id := range state.proposal.Items {
			if st, ok := n.itemStates[id]; ok {
				totalVotes += st.count
			}
		}
		if len(state.proposal.Items) == 0 {
			state.weight = 0
			continue
		}
		state.weight = float64(totalVotes) / float64(uint64(len(state.proposal.Items))*activePeers)
	}
}

// sumWeightedVotes accumulates each item's weighted average across all
// same-page peers.
func (n *Node) sumWeightedVotes() {
	for _, st := range n.itemStates {
		st.weightedAvg = 0
	}
	for _, state := range n.peerProposals {
		if state.proposal.Prev != n.current.Prev {
			continue
		}
		for id := range state.proposal.Items {
			st, ok := n.itemStates[id]
			if !ok {
				st = &itemState{}
				n.itemStates[id] = st
			}
			st.weightedAvg += state.weight
		}
	}
}

// generateNewProposal rebuilds the current proposal from the weighted
// votes: every item within the threshold of the best item joins, and the
// timestamp becomes the median of peer timestamps. Returns true if the
// proposal changed.
func (n *Node) generateNewProposal() bool {
	oldDigest := n.current.Digest()
	n.current.Items = make(map[types.Hash160]bool)

	var maxUnity float64
	for _, st := range n.itemStates {
		if st.weightedAvg > maxUnity {
			maxUnity = st.weightedAvg
		}
	}
	threshold := maxUnity * config.UnityItemThreshold

	for id, st := range n.itemStates {
		if st.weightedAvg > threshold {
			if !st.valid {
				// Counted toward weight, but we cannot endorse an item we
				// have not seen; the fetch queue will bring it in.
				continue
			}
			n.current.Items[id] = true
		}
	}
	n.current.Timestamp = n.medianTimestamp()

	return oldDigest != n.current.Digest()
}

// medianTimestamp returns the median of all peer proposal timestamps.
func (n *Node) medianTimestamp() uint32 {
	if len(n.peerProposals) == 0 {
		return n.nowFn()
	}
	times := make([]uint32, 0, len(n.peerProposals))
	for _, state := range n.peerProposals {
		times = append(times, state.proposal.Timestamp)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// findMajority returns the digest holding the most votes, if it clears the
// given fraction of the UNL. Prev and next agreement carry their own
// thresholds.
func (n *Node) findMajority(votes map[types.Hash256]uint32, threshold float64) (types.Hash256, bool) {
	var best types.Hash256
	var most uint32
	for digest, count := range votes {
		if count > most || (count == most && string(digest[:]) < string(best[:])) {
			most = count
			best = digest
		}
	}
	if float64(most) > float64(len(n.cfg.UniqueNodeList))*threshold {
		return best, true
	}
	return types.Hash256{}, false
}

func (n *Node) decrementVote(votes map[types.Hash256]uint32, digest types.Hash256) {
	if c, ok := votes[digest]; ok {
		if c <= 1 {
			delete(votes, digest)
		} else {
			votes[digest] = c - 1
		}
	}
}

func (n *Node) removeItemVotes(p Proposal) {
	for id := range p.Items {
		if st, ok := n.itemStates[id]; ok && st.count > 0 {
			st.count--
		}
	}
}

func (n *Node) addItemVotes(p Proposal) {
	for id := range p.Items {
		st, ok := n.itemStates[id]
		if !ok {
			st = &itemState{}
			n.itemStates[id] = st
		}
		st.count++
	}
}
