// Package unity implements the weighted-vote agreement protocol run by a
// fixed list of trusted signers: each round converges on a set of item ids
// and a timestamp that every honest signer commits identically.
package unity

import (
	"encoding/binary"
	"sort"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// Proposal is one signer's current view of the round: the digest of the
// previously committed proposal, the item set it votes for, and its local
// timestamp.
type Proposal struct {
	Timestamp uint32                  `json:"timestamp"`
	Prev      types.Hash256           `json:"prev"`
	Items     map[types.Hash160]bool  `json:"items"`
}

// SignedProposal carries the proposing signer's compact signature; the
// signer's address is recovered from it.
type SignedProposal struct {
	Proposal
	Signature []byte `json:"signature"`
}

// NewProposal creates an empty proposal rooted at prev.
func NewProposal(prev types.Hash256, timestamp uint32) Proposal {
	return Proposal{Timestamp: timestamp, Prev: prev, Items: make(map[types.Hash160]bool)}
}

// SortedItems returns the item set in canonical byte order.
func (p *Proposal) SortedItems() []types.Hash160 {
	items := make([]types.Hash160, 0, len(p.Items))
	for id := range p.Items {
		items = append(items, id)
	}
	sort.Slice(items, func(i, j int) bool {
		return string(items[i][:]) < string(items[j][:])
	})
	return items
}

// Digest returns the canonical digest of the proposal. Items are hashed in
// sorted order so equal sets produce equal digests.
func (p *Proposal) Digest() types.Hash256 {
	buf := make([]byte, 0, 40+len(p.Items)*types.Hash160Size)
	buf = binary.LittleEndian.AppendUint32(buf, p.Timestamp)
	buf = append(buf, p.Prev[:]...)
	items := p.SortedItems()
	buf = binary.AppendUvarint(buf, uint64(len(items)))
	for _, id := range items {
		buf = append(buf, id[:]...)
	}
	return crypto.Sha256(buf)
}

// Clone deep-copies the proposal.
func (p *Proposal) Clone() Proposal {
	out := Proposal{Timestamp: p.Timestamp, Prev: p.Prev, Items: make(map[types.Hash160]bool, len(p.Items))}
	for id := range p.Items {
		out.Items[id] = true
	}
	return out
}

// Sign wraps the proposal with the signer's compact signature.
func Sign(p Proposal, key *crypto.PrivateKey) (SignedProposal, error) {
	sig, err := key.SignCompact(p.Digest())
	if err != nil {
		return SignedProposal{}, err
	}
	return SignedProposal{Proposal: p, Signature: sig}, nil
}

// Signee recovers the address that signed the proposal.
func (sp *SignedProposal) Signee() (types.Address, error) {
	return crypto.RecoverAddress(sp.Digest(), sp.Signature)
}
