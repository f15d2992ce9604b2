// Package chain builds Bitcoin-style block-construction primitives used by
// the job builder: coinbase transactions, merkle links, and the auxiliary
// proof-of-work merkle tree for merged mining.
package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleLink is the authentication path for the coinbase transaction
// against the block's transaction merkle root, computed with a nil
// placeholder in position 0 (spec §3 Job.merkle_link).
type MerkleLink []chainhash.Hash

// ComputeMerkleLink builds the branch array for hashes[0] (conventionally
// the coinbase, passed as a nil placeholder by the caller) relative to its
// position (always 0) in the full hash list.
func ComputeMerkleLink(hashes []chainhash.Hash) MerkleLink {
	if len(hashes) <= 1 {
		return nil
	}
	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)

	var link MerkleLink
	index := 0
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		link = append(link, level[sibling])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
		index /= 2
	}
	return link
}

// ApplyMerkleLink recomputes the merkle root given a leaf hash (typically
// the coinbase txid) and its authentication path.
func ApplyMerkleLink(leaf chainhash.Hash, link MerkleLink) chainhash.Hash {
	h := leaf
	for _, sibling := range link {
		h = hashPair(h, sibling)
	}
	return h
}

func hashPair(a, b chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return chainhash.DoubleHashH(buf[:])
}

// MerkleRoot computes the merkle root of an arbitrary hash list (used for
// both the transaction tree and the auxiliary-PoW tree).
func MerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// AuxTree is the result of building an auxiliary-PoW merkle tree over the
// current merged-work set: tree maps a slot index to the chain id occupying
// it, and Size is the tree width (a power of two, per spec §4.5).
type AuxTree struct {
	Slots []int64 // slot index -> chain id, 0 if absent (chain id 0 is reserved/unused)
	Size  int
}

// BuildAuxTree assigns each chain id a deterministic slot in a power-of-two
// tree, following the merged-mining convention of slotting by
// chain id modulo tree size (doubling the tree until every id has a
// unique slot, or capping at a single slot when there is exactly one
// chain).
func BuildAuxTree(chainIDs []int64) AuxTree {
	if len(chainIDs) == 0 {
		return AuxTree{Size: 1, Slots: []int64{0}}
	}
	size := 1
	for {
		seen := make(map[int]int64, len(chainIDs))
		collision := false
		for _, id := range chainIDs {
			slot := int(id) % size
			if prev, ok := seen[slot]; ok && prev != id {
				collision = true
				break
			}
			seen[slot] = id
		}
		if !collision {
			slots := make([]int64, size)
			for slot, id := range seen {
				slots[slot] = id
			}
			return AuxTree{Slots: slots, Size: size}
		}
		size *= 2
	}
}
