// Package worktest builds templates for tests without a node.
package worktest

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/work"
)

// Option adjusts the params of a test template.
type Option func(*work.Params)

// WithHeight sets the block height.
func WithHeight(h int64) Option { return func(p *work.Params) { p.Height = h } }

// WithPrev sets the previous block hash from a seed string.
func WithPrev(seed string) Option {
	return func(p *work.Params) { p.PrevBlock = chainhash.DoubleHashH([]byte(seed)) }
}

// WithTarget sets the target.
func WithTarget(target [32]byte) Option { return func(p *work.Params) { p.Target = target } }

// WithExpiry sets the refresh deadline relative to now.
func WithExpiry(d time.Duration) Option {
	return func(p *work.Params) { p.ExpiresAt = p.FetchedAt.Add(d) }
}

// WithTransactions adds n dummy transactions.
func WithTransactions(n int) Option {
	return func(p *work.Params) {
		for i := 0; i < n; i++ {
			tx := wire.NewMsgTx(wire.TxVersion)
			tx.AddTxIn(&wire.TxIn{
				PreviousOutPoint: wire.OutPoint{Hash: chainhash.DoubleHashH([]byte{byte(i), byte(i >> 8)}), Index: uint32(i)},
				Sequence:         wire.MaxTxInSequenceNum,
			})
			tx.AddTxOut(&wire.TxOut{Value: int64(1000 + i), PkScript: []byte{txscript.OP_TRUE}})
			p.Transactions = append(p.Transactions, tx)
		}
	}
}

// Easy returns a target met by one hash in 2^zeroBits on average.
func Easy(zeroBits int) [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0xff
	}
	for i := 0; i < zeroBits; i++ {
		t[i/8] &^= 0x80 >> (i % 8)
	}
	return t
}

// Impossible returns a target no hash can meet in practice.
func Impossible() [32]byte {
	var t [32]byte
	t[31] = 0x01
	return t
}

// Params returns valid template params with no transactions.
func Params(opts ...Option) work.Params {
	now := time.Now()
	p := work.Params{
		Height:        840000,
		Version:       0x20000000,
		PrevBlock:     chainhash.DoubleHashH([]byte("tip")),
		Bits:          0x17034219,
		Target:        Impossible(),
		Timestamp:     time.Unix(1_713_571_767, 0),
		CoinbaseValue: 312_500_000,
		PayoutScript:  []byte{txscript.OP_TRUE},
		FetchedAt:     now,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Template builds a template or fails the test.
func Template(t testing.TB, opts ...Option) *work.Template {
	t.Helper()
	tmpl, err := work.New(Params(opts...))
	if err != nil {
		t.Fatalf("work.New: %v", err)
	}
	return tmpl
}
