package mining

import (
	"encoding/hex"
	"math/big"

	"github.com/ashenpool/poolcore/internal/chain"
	"github.com/ashenpool/poolcore/internal/rpcpool"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// buildMerkleLinkHex computes the coinbase merkle link over
// [nil] + [hash256(tx.raw) for tx in transactions] relative to index 0
// (spec §4.5 "Job finalization"), returning each branch hex-encoded.
func buildMerkleLinkHex(txs []rpcpool.TemplateTransaction) []string {
	hashes := make([]chainhash.Hash, 0, len(txs)+1)
	hashes = append(hashes, chainhash.Hash{}) // nil placeholder, position 0
	for _, tx := range txs {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			continue
		}
		hashes = append(hashes, chainhash.DoubleHashH(raw))
	}

	link := chain.ComputeMerkleLink(hashes)
	out := make([]string, len(link))
	for i, h := range link {
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

// compactToDifficulty converts a compact nBits encoding to a difficulty
// value relative to the conventional difficulty-1 target (bits 0x1d00ffff),
// using btcsuite/btcd's own compact-to-big expansion rather than a
// hand-rolled reimplementation.
func compactToDifficulty(bits uint32) float64 {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	diff1 := blockchain.CompactToBig(0x1d00ffff)
	diff1f := new(big.Float).SetInt(diff1)
	targetf := new(big.Float).SetInt(target)
	result, _ := new(big.Float).Quo(diff1f, targetf).Float64()
	return result
}
