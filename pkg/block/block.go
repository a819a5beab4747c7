// Package block defines block types, merkle roots, and header validation.
package block

import (
	"github.com/unityledger/unity-chain/pkg/tx"
	"github.com/unityledger/unity-chain/pkg/types"
)

// TrxBlock is a header together with the full ordered transaction list.
type TrxBlock struct {
	Header `json:"header"`
	Trxs   []*tx.SignedTransaction `json:"trxs"`
}

// FullBlock is a header together with just the transaction ids, used when
// the receiving party already holds the transactions.
type FullBlock struct {
	Header `json:"header"`
	TrxIDs []types.Hash160 `json:"trx_ids"`
}

// TrxIDs returns the ordered ids of the block's transactions.
func (b *TrxBlock) TrxIDs() []types.Hash160 {
	ids := make([]types.Hash160, len(b.Trxs))
	for i, t := range b.Trxs {
		ids[i] = t.ID()
	}
	return ids
}

// CalculateMerkleRoot computes the merkle root over the block's
// transaction ids.
func (b *TrxBlock) CalculateMerkleRoot() types.Hash160 {
	return ComputeMerkleRoot(b.TrxIDs())
}

// ToFullBlock strips transactions down to their ids.
func (b *TrxBlock) ToFullBlock() *FullBlock {
	return &FullBlock{Header: b.Header, TrxIDs: b.TrxIDs()}
}

// TrxsSize returns the total serialized size of the block's transactions.
func (b *TrxBlock) TrxsSize() uint64 {
	var size uint64
	for _, t := range b.Trxs {
		size += t.Size()
	}
	return size
}
