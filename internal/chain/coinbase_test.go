package chain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolScript(t *testing.T) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := ScriptForAddress(addr)
	require.NoError(t, err)
	return script
}

func TestBuildCoinbaseRequiresPoolScript(t *testing.T) {
	_, err := BuildCoinbase(CoinbaseParams{Height: 100, CoinbaseValue: 5000000000})
	assert.ErrorIs(t, err, ErrNoPoolScript)
}

func TestBuildCoinbaseSingleOutput(t *testing.T) {
	cb, err := BuildCoinbase(CoinbaseParams{
		Height:             842000,
		CoinbaseValue:      625000000,
		PoolScript:         testPoolScript(t),
		ExtranonceSize:     4,
		ExtranonceServSize: 4,
	})
	require.NoError(t, err)
	require.Len(t, cb.Tx.TxOut, 1)
	assert.Equal(t, int64(625000000), cb.Tx.TxOut[0].Value)

	prefix, suffix := cb.Split()
	assert.Equal(t, cb.PlaceholderOffset, len(prefix))
	assert.Equal(t, 8, cb.PlaceholderLen)
	assert.Equal(t, len(cb.Serialized), len(prefix)+cb.PlaceholderLen+len(suffix))
}

func TestBuildCoinbaseDonationSplit(t *testing.T) {
	donateScript := testPoolScript(t)
	cb, err := BuildCoinbase(CoinbaseParams{
		Height:             842000,
		CoinbaseValue:      1000000,
		PoolScript:         testPoolScript(t),
		DonateScript:       donateScript,
		DonationPercent:    2.0,
		ExtranonceSize:     4,
		ExtranonceServSize: 4,
	})
	require.NoError(t, err)
	require.Len(t, cb.Tx.TxOut, 2)
	assert.Equal(t, int64(20000), cb.Tx.TxOut[1].Value)
	assert.Equal(t, int64(980000), cb.Tx.TxOut[0].Value)
}

func TestBuildCoinbaseMergedMiningTag(t *testing.T) {
	root := chainhash.Hash{0xaa}
	cb, err := BuildCoinbase(CoinbaseParams{
		Height:             842000,
		CoinbaseValue:      625000000,
		PoolScript:         testPoolScript(t),
		ExtranonceSize:     4,
		ExtranonceServSize: 4,
		AuxRoot:            &root,
		AuxTreeSize:        4,
	})
	require.NoError(t, err)

	prefix, _ := cb.Split()
	found := false
	for i := 0; i+4 <= len(prefix); i++ {
		if prefix[i] == MergeMiningMagic[0] && prefix[i+1] == MergeMiningMagic[1] &&
			prefix[i+2] == MergeMiningMagic[2] && prefix[i+3] == MergeMiningMagic[3] {
			found = true
			break
		}
	}
	assert.True(t, found, "merge mining magic not found in coinbase_prefix")
}
