package mining

import (
	"testing"

	"github.com/ashenpool/poolcore/internal/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMerkleLinkHexSkipsUndecodable(t *testing.T) {
	txs := []rpcpool.TemplateTransaction{
		{Data: "aabb"},
		{Data: "not-hex"},
		{Data: "ccdd"},
	}
	link := buildMerkleLinkHex(txs)
	// Two valid transactions plus the nil coinbase placeholder produce a
	// merkle link; the undecodable entry is skipped, not a build failure.
	assert.NotEmpty(t, link)
	for _, branch := range link {
		assert.Len(t, branch, 64) // hex-encoded chainhash.Hash
	}
}

func TestCompactToDifficultyAtDiff1(t *testing.T) {
	assert.InDelta(t, 1.0, compactToDifficulty(0x1d00ffff), 0.0001)
}

func TestCompactToDifficultyHigherThanOne(t *testing.T) {
	// A smaller target (higher exponent-adjusted mantissa shift) yields a
	// difficulty greater than 1.
	diff := compactToDifficulty(0x1b0404cb)
	require.Greater(t, diff, 1.0)
}
