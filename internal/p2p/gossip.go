package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/unityledger/unity-chain/internal/unity"
	"github.com/unityledger/unity-chain/pkg/block"
	"github.com/unityledger/unity-chain/pkg/tx"
)

// BroadcastTrx publishes a pending transaction to the gossip network.
func (n *Node) BroadcastTrx(t *tx.SignedTransaction) error {
	if n.topicTrx == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trx: %w", err)
	}
	return n.topicTrx.Publish(n.ctx, data)
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.TrxBlock) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	return n.topicBlock.Publish(n.ctx, data)
}

// BroadcastProposal publishes a signed consensus proposal.
func (n *Node) BroadcastProposal(sp *unity.SignedProposal) error {
	if n.topicProposal == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(&unity.ProposalMessage{SignedProposal: *sp})
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	return n.topicProposal.Publish(n.ctx, data)
}
