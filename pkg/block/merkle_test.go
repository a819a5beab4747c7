package block

import (
	"testing"

	"github.com/unityledger/unity-chain/pkg/crypto"
	"github.com/unityledger/unity-chain/pkg/types"
)

func hashOf(s string) types.Hash160 {
	return crypto.Hash160([]byte(s))
}

func TestComputeMerkleRootEmpty(t *testing.T) {
	if root := ComputeMerkleRoot(nil); !root.IsZero() {
		t.Errorf("empty root = %v, want zero", root)
	}
}

func TestComputeMerkleRootSingle(t *testing.T) {
	h := hashOf("only")
	if root := ComputeMerkleRoot([]types.Hash160{h}); root != h {
		t.Errorf("single root = %v, want %v", root, h)
	}
}

func TestComputeMerkleRootPair(t *testing.T) {
	a, b := hashOf("a"), hashOf("b")
	want := crypto.HashConcat(a, b)
	if root := ComputeMerkleRoot([]types.Hash160{a, b}); root != want {
		t.Errorf("pair root = %v, want %v", root, want)
	}
}

func TestComputeMerkleRootOddDuplicatesLast(t *testing.T) {
	a, b, c := hashOf("a"), hashOf("b"), hashOf("c")
	want := crypto.HashConcat(crypto.HashConcat(a, b), crypto.HashConcat(c, c))
	if root := ComputeMerkleRoot([]types.Hash160{a, b, c}); root != want {
		t.Errorf("odd root = %v, want %v", root, want)
	}
}

func TestComputeMerkleRootDoesNotMutateInput(t *testing.T) {
	in := []types.Hash160{hashOf("a"), hashOf("b"), hashOf("c")}
	orig := make([]types.Hash160, len(in))
	copy(orig, in)
	ComputeMerkleRoot(in)
	for i := range in {
		if in[i] != orig[i] {
			t.Fatal("input slice was mutated")
		}
	}
}

func TestComputeMerkleRootOrderMatters(t *testing.T) {
	a, b := hashOf("a"), hashOf("b")
	if ComputeMerkleRoot([]types.Hash160{a, b}) == ComputeMerkleRoot([]types.Hash160{b, a}) {
		t.Error("swapped leaves must change the root")
	}
}
