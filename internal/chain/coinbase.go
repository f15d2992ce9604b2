package chain

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MergeMiningMagic is the four-byte tag that marks an aux-PoW merkle root
// commitment inside a coinbase scriptSig (spec §4.5).
var MergeMiningMagic = [4]byte{0xfa, 0xbe, 'm', 'm'}

// CoinbaseParams is everything the job builder gathers before assembling
// the coinbase transaction (spec §4.5 "Coinbase construction").
type CoinbaseParams struct {
	Height            int64
	CoinbaseValue     int64
	PoolScript        []byte // pool_address output script
	DonateScript      []byte // donate_address output script, may be nil
	DonationPercent    float64
	ExtranonceSize    int // miner-assigned half
	ExtranonceServSize int // server-assigned half
	AuxRoot           *chainhash.Hash // merkle root over merged-work hashes, nil if no aux work
	AuxTreeSize       int
}

// ErrNoPoolScript is returned when CoinbaseParams.PoolScript is empty.
var ErrNoPoolScript = errors.New("chain: pool output script is required")

// CoinbaseTx is the constructed coinbase transaction plus the byte offsets
// of the extranonce placeholder, used to derive coinbase_prefix/suffix.
type CoinbaseTx struct {
	Tx                *wire.MsgTx
	Serialized        []byte
	PlaceholderOffset int // offset into Serialized where the extranonce placeholder begins
	PlaceholderLen    int
}

// BuildCoinbase assembles a version-2 coinbase transaction: a single input
// carrying the BIP34 height push, the optional merged-mining tag, and a
// zero-filled extranonce placeholder; a single output (or two, when a
// donation percentage is configured) paying out CoinbaseValue.
func BuildCoinbase(p CoinbaseParams) (*CoinbaseTx, error) {
	if len(p.PoolScript) == 0 {
		return nil, ErrNoPoolScript
	}

	sigScript, placeholderOffset, placeholderLen, err := buildCoinbaseSigScript(p)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	txIn := &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	}
	tx.AddTxIn(txIn)

	poolValue := p.CoinbaseValue
	var donateValue int64
	if p.DonationPercent > 0 && len(p.DonateScript) > 0 {
		donateValue = int64(float64(p.CoinbaseValue) * p.DonationPercent / 100.0)
		poolValue = p.CoinbaseValue - donateValue
	}
	tx.AddTxOut(wire.NewTxOut(poolValue, p.PoolScript))
	if donateValue > 0 {
		tx.AddTxOut(wire.NewTxOut(donateValue, p.DonateScript))
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	// placeholderOffset was computed relative to the start of the
	// signature script; the signature script begins after the fixed-size
	// tx header + outpoint + varint script length that precedes it in the
	// serialized transaction. Recompute the absolute offset by locating
	// the signature script bytes within the serialized input.
	absOffset, err := locatePlaceholder(tx, sigScript, placeholderOffset)
	if err != nil {
		return nil, err
	}

	return &CoinbaseTx{
		Tx:                tx,
		Serialized:        buf.Bytes(),
		PlaceholderOffset: absOffset,
		PlaceholderLen:    placeholderLen,
	}, nil
}

// buildCoinbaseSigScript composes the scriptSig: BIP34 height push, the
// optional mm_data tag, then a zero-filled placeholder of exactly
// extranonce_size + extranonce_serv_size bytes. It returns the script, the
// placeholder's offset within that script, and its length.
func buildCoinbaseSigScript(p CoinbaseParams) ([]byte, int, int, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(p.Height) // BIP34 height push

	if p.AuxRoot != nil {
		mmData := buildMergeMiningData(*p.AuxRoot, p.AuxTreeSize)
		builder.AddData(mmData)
	}

	placeholderLen := p.ExtranonceSize + p.ExtranonceServSize
	if placeholderLen <= 0 {
		placeholderLen = 12
	}

	partial, err := builder.Script()
	if err != nil {
		return nil, 0, 0, err
	}
	placeholderOffset := len(partial)

	placeholder := make([]byte, placeholderLen)
	full := append(append([]byte{}, partial...), placeholder...)

	return full, placeholderOffset, placeholderLen, nil
}

// buildMergeMiningData composes MAGIC || merkle_root || size || nonce, the
// aux-PoW commitment embedded in the coinbase scriptSig (spec §4.5).
func buildMergeMiningData(root chainhash.Hash, size int) []byte {
	buf := make([]byte, 0, 4+32+4+4)
	buf = append(buf, MergeMiningMagic[:]...)
	buf = append(buf, root[:]...)
	buf = append(buf, uint32le(uint32(size))...)
	buf = append(buf, uint32le(0)...) // nonce, always 0 for a single-slot tree walk
	return buf
}

func uint32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// locatePlaceholder finds where sigScript landed inside the serialized
// transaction so callers can split coinbase_prefix/coinbase_suffix around
// it; it searches for the unique sigScript byte sequence rather than
// recomputing offsets by hand, since TxIn/TxOut varint encodings are
// value-dependent.
func locatePlaceholder(tx *wire.MsgTx, sigScript []byte, relOffset int) (int, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return 0, err
	}
	serialized := buf.Bytes()
	idx := bytes.Index(serialized, sigScript)
	if idx < 0 {
		return 0, errors.New("chain: signature script not found in serialized coinbase")
	}
	return idx + relOffset, nil
}

// Split returns coinbase_prefix (everything before the extranonce
// placeholder) and coinbase_suffix (everything after it), the shape
// stratum clients splice their own nonce bytes into.
func (c *CoinbaseTx) Split() (prefix, suffix []byte) {
	prefix = c.Serialized[:c.PlaceholderOffset]
	suffix = c.Serialized[c.PlaceholderOffset+c.PlaceholderLen:]
	return prefix, suffix
}

// ScriptForAddress decodes a base58check address into its output script,
// used for pool_address/donate_address.
func ScriptForAddress(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}
