package mining

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergedWorkEntryEqual(t *testing.T) {
	a := MergedWorkEntry{ChainID: 1, Hash: "aa", Target: "bb"}
	b := MergedWorkEntry{ChainID: 1, Hash: "aa", Target: "bb"}
	c := MergedWorkEntry{ChainID: 1, Hash: "cc", Target: "bb"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestBuildAuxDataEmpty(t *testing.T) {
	root, size, hashes, later := buildAuxData(nil)
	assert.Nil(t, root)
	assert.Equal(t, 0, size)
	assert.Nil(t, hashes)
	assert.Nil(t, later)
}

func TestBuildAuxDataSingleChain(t *testing.T) {
	hash := "1111111111111111111111111111111111111111111111111111111111111a"
	work := map[int64]MergedWorkEntry{
		5: {ChainID: 5, Hash: hash, Target: "target"},
	}

	root, size, hashes, later := buildAuxData(work)
	require.NotNil(t, root)
	assert.GreaterOrEqual(t, size, 1)
	assert.Len(t, hashes, size)
	require.Len(t, later, 1)
	assert.Equal(t, work[5], later[0].Work)
	assert.GreaterOrEqual(t, later[0].CoinbaseIndex, 0)
}

func TestJobNTimeAndNBits(t *testing.T) {
	job := &Job{CurTime: 0x5f5e1000, Bits: "1d00ffff"}
	assert.Equal(t, "5f5e1000", job.NTime())
	assert.Equal(t, "1d00ffff", job.NBits())
}
