// Package fetcher runs the chain-sync loop: applying the best fork to the
// ledger, downloading missing headers and blocks from peers, and
// broadcasting inventory.
package fetcher

import (
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// MessageType tags chain-sync messages on the wire. The values are part
// of the network protocol and must never be renumbered.
type MessageType uint16

const (
	NameInvMsg MessageType = iota + 1
	BlockInvMsg
	GetNameInvMsg
	GetHeadersMsg
	GetBlockMsg
	GetBlockIndexMsg
	GetNameHeaderMsg
	NameHeaderMsg
	BlockIndexMsg
	BlockMsg
	HeadersMsg
)

// NameInvMessage announces pending transaction ids.
type NameInvMessage struct {
	IDs []types.Hash160 `json:"ids"`
}

// BlockInvMessage announces block ids.
type BlockInvMessage struct {
	IDs []types.Hash160 `json:"ids"`
}

// GetNameInvMessage asks a peer for its pending transaction inventory.
type GetNameInvMessage struct{}

// GetHeadersMessage asks for headers following the first locator hash the
// peer recognizes. Locators are exponentially spaced ancestor ids.
type GetHeadersMessage struct {
	LocatorHashes []types.Hash160 `json:"locator_hashes"`
}

// HeadersMessage answers GetHeaders with a contiguous run of headers.
type HeadersMessage struct {
	FirstBlockNum uint32         `json:"first_block_num"`
	First         block.Header   `json:"first"`
	Headers       []block.Header `json:"headers"`
	HeadBlockNum  uint32         `json:"head_block_num"`
	HeadBlockID   types.Hash160  `json:"head_block_id"`
}

// GetBlockMessage requests one full block.
type GetBlockMessage struct {
	ID types.Hash160 `json:"id"`
}

// BlockMessage carries one full block.
type BlockMessage struct {
	Block block.TrxBlock `json:"block"`
}

// GetBlockIndexMessage requests a compact block announcement.
type GetBlockIndexMessage struct {
	ID types.Hash160 `json:"id"`
}

// BlockIndexMessage is a compact block: the header plus short transaction
// ids; the receiver rebuilds the block from its pending pool and asks for
// whatever it lacks.
type BlockIndexMessage struct {
	Header      block.Header `json:"header"`
	TrxShortIDs []uint64     `json:"trx_short_ids"`
}

// GetNameHeaderMessage requests a pending transaction by short id.
type GetNameHeaderMessage struct {
	ShortID uint64 `json:"short_id"`
}

// NameHeaderMessage carries one pending transaction.
type NameHeaderMessage struct {
	Trx tx.SignedTransaction `json:"trx"`
}

// ShortID compresses a transaction id to the 8-byte form used in compact
// block announcements.
func ShortID(id types.Hash160) uint64 {
	return id.Stake()
}
