package unity

import (
	"encoding/binary"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// MessageType tags consensus messages on the wire. The values are part of
// the network protocol and must never be renumbered.
type MessageType uint16

const (
	SubscribeMsg MessageType = 1
	BlobMsg      MessageType = 2
	ProposalMsg  MessageType = 3
)

// SubscribeMessage identifies a connecting signer: a timestamped signature
// whose recovered address must appear in the UNL.
type SubscribeMessage struct {
	Version   uint16 `json:"version"`
	Timestamp uint32 `json:"timestamp"`
	Sig       []byte `json:"sig"`
}

// Digest returns the signed portion of the subscribe message.
func (m *SubscribeMessage) Digest() types.Hash256 {
	buf := make([]byte, 0, 6)
	buf = binary.LittleEndian.AppendUint16(buf, m.Version)
	buf = binary.LittleEndian.AppendUint32(buf, m.Timestamp)
	return crypto.Sha256(buf)
}

// Sign fills the signature from the local signer key.
func (m *SubscribeMessage) Sign(key *crypto.PrivateKey) error {
	sig, err := key.SignCompact(m.Digest())
	if err != nil {
		return err
	}
	m.Sig = sig
	return nil
}

// Signee recovers the subscribing signer's address.
func (m *SubscribeMessage) Signee() (types.Address, error) {
	return crypto.RecoverAddress(m.Digest(), m.Sig)
}

// BlobMessage carries opaque bytes proposed as a consensus item; the item
// id is the hash of the blob.
type BlobMessage struct {
	Blob []byte `json:"blob"`
}

// ItemID returns the consensus item id for the blob.
func (m *BlobMessage) ItemID() types.Hash160 {
	return crypto.Hash160(m.Blob)
}

// ProposalMessage carries one signed proposal.
type ProposalMessage struct {
	SignedProposal SignedProposal `json:"signed_proposal"`
}
