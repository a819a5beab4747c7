package block

import (
	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction ids.
//
// Algorithm:
//   - 0 ids: returns zero hash
//   - 1 id: returns that id
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func ComputeMerkleRoot(trxIDs []types.Hash160) types.Hash160 {
	if len(trxIDs) == 0 {
		return types.Hash160{}
	}
	if len(trxIDs) == 1 {
		return trxIDs[0]
	}

	// Work on a copy so we don't mutate the caller's slice.
	level := make([]types.Hash160, len(trxIDs))
	copy(level, trxIDs)

	for len(level) > 1 {
		// If odd, duplicate the last element.
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash160, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0]
}
