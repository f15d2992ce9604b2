package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestComputeMerkleLink(t *testing.T) {
	t.Run("SingleLeaf", func(t *testing.T) {
		leaf := hashFromByte(1)
		link := ComputeMerkleLink([]chainhash.Hash{leaf})
		assert.Nil(t, link)
	})

	t.Run("RoundTripsThroughApplyMerkleLink", func(t *testing.T) {
		leaves := []chainhash.Hash{hashFromByte(1), hashFromByte(2), hashFromByte(3)}
		link := ComputeMerkleLink(leaves)
		root := MerkleRoot(leaves)

		recomputed := ApplyMerkleLink(leaves[0], link)
		require.Equal(t, root, recomputed)
	})

	t.Run("OddLeafCountDuplicatesLast", func(t *testing.T) {
		leaves := []chainhash.Hash{hashFromByte(1), hashFromByte(2), hashFromByte(3), hashFromByte(4), hashFromByte(5)}
		link := ComputeMerkleLink(leaves)
		root := MerkleRoot(leaves)
		assert.Equal(t, root, ApplyMerkleLink(leaves[0], link))
	})
}

func TestMerkleRootEmpty(t *testing.T) {
	assert.Equal(t, chainhash.Hash{}, MerkleRoot(nil))
}

func TestBuildAuxTree(t *testing.T) {
	t.Run("NoChains", func(t *testing.T) {
		tree := BuildAuxTree(nil)
		assert.Equal(t, 1, tree.Size)
	})

	t.Run("SingleChain", func(t *testing.T) {
		tree := BuildAuxTree([]int64{7})
		assert.GreaterOrEqual(t, tree.Size, 1)
		found := false
		for _, id := range tree.Slots {
			if id == 7 {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("CollidingChainsDoubleTreeSize", func(t *testing.T) {
		// Two chain ids that collide modulo 2 (both even) force the tree
		// to grow until they land in distinct slots.
		tree := BuildAuxTree([]int64{2, 4})
		assert.GreaterOrEqual(t, tree.Size, 4)

		slots := make(map[int64]bool)
		for _, id := range tree.Slots {
			if id != 0 {
				assert.False(t, slots[id], "chain id %d occupies more than one slot", id)
				slots[id] = true
			}
		}
	})
}
