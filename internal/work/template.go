// Package work holds the immutable unit of mining work and the hash
// evaluation performed on it.
package work

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

// Params carries everything needed to build a Template. The node client
// fills it from a getblocktemplate response.
type Params struct {
	Height            int64
	Version           int32
	PrevBlock         chainhash.Hash
	Bits              uint32
	Target            [32]byte
	Timestamp         time.Time
	CoinbaseValue     int64
	PayoutScript      []byte
	WitnessCommitment []byte
	// Transactions excludes the coinbase.
	Transactions []*wire.MsgTx
	WorkID       string
	FetchedAt    time.Time
	ExpiresAt    time.Time
}

// Template is one unit of work. It is immutable once built and safe to
// share between workers.
type Template struct {
	id     string
	params Params
	branch []chainhash.Hash

	// stripped coinbase serialization with the extra nonce at enOffset
	coinbase []byte
	enOffset int
}

// ID builds the template identifier for a block at height on top of prev.
func ID(height int64, prev chainhash.Hash) string {
	return fmt.Sprintf("%d:%s", height, prev)
}

// New validates params and precomputes the coinbase merkle branch.
func New(p Params) (*Template, error) {
	if p.Height <= 0 {
		return nil, errors.Newf(errors.ErrorTypeMalformed, "build_template", "invalid height %d", p.Height)
	}
	if p.Target == ([32]byte{}) {
		return nil, errors.New(errors.ErrorTypeMalformed, "build_template", "zero target")
	}
	if p.CoinbaseValue < 0 {
		return nil, errors.Newf(errors.ErrorTypeMalformed, "build_template", "negative coinbase value %d", p.CoinbaseValue)
	}

	cb, err := bitcoin.BuildCoinbase(coinbaseParams(&p), 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "build_template", "cannot build coinbase")
	}

	var buf bytes.Buffer
	if err := cb.SerializeNoWitness(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "build_template", "cannot serialize coinbase")
	}

	// version, input count, outpoint, script length, script
	script := cb.TxIn[0].SignatureScript
	offset := 4 + 1 + 36 + wire.VarIntSerializeSize(uint64(len(script))) + len(script) - bitcoin.ExtraNonceSize

	txids := make([]chainhash.Hash, len(p.Transactions))
	for i, tx := range p.Transactions {
		txids[i] = tx.TxHash()
	}

	return &Template{
		id:       ID(p.Height, p.PrevBlock),
		params:   p,
		branch:   bitcoin.CoinbaseMerkleBranch(txids),
		coinbase: buf.Bytes(),
		enOffset: offset,
	}, nil
}

func coinbaseParams(p *Params) bitcoin.CoinbaseParams {
	return bitcoin.CoinbaseParams{
		Height:            p.Height,
		Value:             p.CoinbaseValue,
		PayoutScript:      p.PayoutScript,
		WitnessCommitment: p.WitnessCommitment,
	}
}

// ID returns the template identifier, "<height>:<prevhash>".
func (t *Template) ID() string { return t.id }

// Height returns the height of the block being mined.
func (t *Template) Height() int64 { return t.params.Height }

// PrevBlock returns the tip the template builds on.
func (t *Template) PrevBlock() chainhash.Hash { return t.params.PrevBlock }

// Target returns the big-endian proof-of-work target.
func (t *Template) Target() [32]byte { return t.params.Target }

// Difficulty returns the target difficulty relative to difficulty 1.
func (t *Template) Difficulty() float64 { return bitcoin.TargetDifficulty(t.params.Target) }

// FetchedAt returns when the node produced the template.
func (t *Template) FetchedAt() time.Time { return t.params.FetchedAt }

// ExpiresAt returns when the template should be refreshed. Zero means never.
func (t *Template) ExpiresAt() time.Time { return t.params.ExpiresAt }

// WorkID returns the node's BIP 22 workid, empty when none was sent.
func (t *Template) WorkID() string { return t.params.WorkID }

// Expired reports whether the template is past its refresh deadline.
func (t *Template) Expired(now time.Time) bool {
	return !t.params.ExpiresAt.IsZero() && !now.Before(t.params.ExpiresAt)
}

// TxCount returns the number of transactions including the coinbase.
func (t *Template) TxCount() int { return len(t.params.Transactions) + 1 }

// coinbaseTxid computes the coinbase txid for an extra nonce by patching
// the precomputed serialization.
func (t *Template) coinbaseTxid(extraNonce uint32) chainhash.Hash {
	raw := make([]byte, len(t.coinbase))
	copy(raw, t.coinbase)
	binary.LittleEndian.PutUint32(raw[t.enOffset:], extraNonce)
	return chainhash.DoubleHashH(raw)
}

// Header returns the 80-byte header for an extra nonce with a zero nonce.
func (t *Template) Header(extraNonce uint32) *Header {
	root := bitcoin.MerkleRootFromBranch(t.coinbaseTxid(extraNonce), t.branch)

	h := &Header{target: t.params.Target, extraNonce: extraNonce}
	p := &t.params
	binary.LittleEndian.PutUint32(h.raw[0:4], uint32(p.Version))
	copy(h.raw[4:36], p.PrevBlock[:])
	copy(h.raw[36:68], root[:])
	binary.LittleEndian.PutUint32(h.raw[68:72], uint32(p.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(h.raw[72:76], p.Bits)
	return h
}

// Block assembles the full block for search index n.
func (t *Template) Block(n uint64) (*wire.MsgBlock, error) {
	extra, nonce := SplitNonce(n)

	cb, err := bitcoin.BuildCoinbase(coinbaseParams(&t.params), extra)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_block", "cannot build coinbase")
	}

	header := t.Header(extra)
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    t.params.Version,
			PrevBlock:  t.params.PrevBlock,
			MerkleRoot: header.MerkleRoot(),
			Timestamp:  time.Unix(t.params.Timestamp.Unix(), 0),
			Bits:       t.params.Bits,
			Nonce:      nonce,
		},
		Transactions: make([]*wire.MsgTx, 0, t.TxCount()),
	}
	block.Transactions = append(block.Transactions, cb)
	block.Transactions = append(block.Transactions, t.params.Transactions...)

	return block, nil
}

// SplitNonce splits a search index into the coinbase extra nonce (high
// 32 bits) and the header nonce (low 32 bits).
func SplitNonce(n uint64) (extraNonce, nonce uint32) {
	return uint32(n >> 32), uint32(n)
}

// JoinNonce is the inverse of SplitNonce.
func JoinNonce(extraNonce, nonce uint32) uint64 {
	return uint64(extraNonce)<<32 | uint64(nonce)
}
