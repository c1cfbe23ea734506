package work_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/internal/work/worktest"
	"github.com/bardlex/gominer/pkg/errors"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*work.Params)
	}{
		{"zero height", func(p *work.Params) { p.Height = 0 }},
		{"zero target", func(p *work.Params) { p.Target = [32]byte{} }},
		{"negative reward", func(p *work.Params) { p.CoinbaseValue = -1 }},
		{"no payout", func(p *work.Params) { p.PayoutScript = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := worktest.Params()
			tt.mutate(&p)
			_, err := work.New(p)
			if !errors.IsMalformed(err) {
				t.Errorf("New() error = %v, want malformed", err)
			}
		})
	}
}

func TestTemplate_ID(t *testing.T) {
	a := worktest.Template(t, worktest.WithPrev("a"))
	a2 := worktest.Template(t, worktest.WithPrev("a"), worktest.WithTransactions(3))
	b := worktest.Template(t, worktest.WithPrev("b"))

	if a.ID() != a2.ID() {
		t.Errorf("templates on the same tip differ: %s vs %s", a.ID(), a2.ID())
	}
	if a.ID() == b.ID() {
		t.Error("templates on different tips share an id")
	}
	if want := work.ID(840000, a.PrevBlock()); a.ID() != want {
		t.Errorf("ID() = %s, want %s", a.ID(), want)
	}
}

func TestTemplate_Expired(t *testing.T) {
	never := worktest.Template(t)
	if never.Expired(time.Now().Add(24 * time.Hour)) {
		t.Error("template without deadline expired")
	}

	soon := worktest.Template(t, worktest.WithExpiry(time.Second))
	if soon.Expired(soon.FetchedAt()) {
		t.Error("template expired at fetch time")
	}
	if !soon.Expired(soon.FetchedAt().Add(time.Second)) {
		t.Error("template not expired at deadline")
	}
}

func TestTemplate_BlockMatchesHeader(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithTransactions(6))

	for _, n := range []uint64{0, 1, 0xffffffff, work.JoinNonce(3, 77), work.JoinNonce(0xffff, 0xdeadbeef)} {
		block, err := tmpl.Block(n)
		if err != nil {
			t.Fatalf("Block(%d): %v", n, err)
		}

		if len(block.Transactions) != tmpl.TxCount() {
			t.Fatalf("Block(%d) has %d txs, want %d", n, len(block.Transactions), tmpl.TxCount())
		}

		txids := make([]chainhash.Hash, len(block.Transactions))
		for i, tx := range block.Transactions {
			txids[i] = tx.TxHash()
		}
		if root := bitcoin.CalculateMerkleRoot(txids); root != block.Header.MerkleRoot {
			t.Errorf("Block(%d) merkle root %s, full tree %s", n, block.Header.MerkleRoot, root)
		}

		hash, _ := work.Evaluate(tmpl, n)
		if got := block.Header.BlockHash(); got != hash {
			t.Errorf("Block(%d) hash %s, evaluator %s", n, got, hash)
		}

		var buf bytes.Buffer
		if err := block.Header.Serialize(&buf); err != nil {
			t.Fatal(err)
		}
		extra, nonce := work.SplitNonce(n)
		raw := tmpl.Header(extra).Bytes(nonce)
		if !bytes.Equal(buf.Bytes(), raw[:]) {
			t.Errorf("Block(%d) header bytes differ from evaluated header", n)
		}
	}
}

func TestTemplate_ExtraNonceChangesMerkleRoot(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithTransactions(2))
	if tmpl.Header(1).MerkleRoot() == tmpl.Header(2).MerkleRoot() {
		t.Error("extra nonce does not reach the merkle root")
	}
}

func TestSplitJoinNonce(t *testing.T) {
	tests := []struct {
		n     uint64
		extra uint32
		nonce uint32
	}{
		{0, 0, 0},
		{0xffffffff, 0, 0xffffffff},
		{1 << 32, 1, 0},
		{0x0000abcd12345678, 0xabcd, 0x12345678},
	}

	for _, tt := range tests {
		extra, nonce := work.SplitNonce(tt.n)
		if extra != tt.extra || nonce != tt.nonce {
			t.Errorf("SplitNonce(%#x) = %#x, %#x", tt.n, extra, nonce)
		}
		if got := work.JoinNonce(extra, nonce); got != tt.n {
			t.Errorf("JoinNonce(%#x, %#x) = %#x", extra, nonce, got)
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithTransactions(4), worktest.WithTarget(worktest.Easy(4)))

	inputs := []uint64{0, 42, 1<<32 + 9, work.JoinNonce(17, 0xfffffffe)}
	want := make(map[uint64]chainhash.Hash)
	wantOK := make(map[uint64]bool)
	for _, n := range inputs {
		want[n], wantOK[n] = work.Evaluate(tmpl, n)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, n := range inputs {
					h, ok := work.Evaluate(tmpl, n)
					if h != want[n] || ok != wantOK[n] {
						errs <- "evaluation differed"
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Fatal(e)
	}
}

func TestSHA256d_MeetsTarget(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithTarget(worktest.Easy(1)))
	header := tmpl.Header(0)
	target := tmpl.Target()

	var eval work.Evaluator = work.SHA256d{}
	for nonce := uint32(0); nonce < 64; nonce++ {
		hash, ok := eval.Evaluate(header, nonce)
		if want := bitcoin.HashMeetsTarget(&hash, &target); ok != want {
			t.Fatalf("nonce %d: meets = %v, want %v", nonce, ok, want)
		}
	}
}

func TestTemplate_Difficulty(t *testing.T) {
	diff1, _ := bitcoin.TargetFromBits(chaincfg.MainNetParams.GenesisBlock.Header.Bits)
	tmpl := worktest.Template(t, worktest.WithTarget(diff1))
	if d := tmpl.Difficulty(); d < 0.999 || d > 1.001 {
		t.Errorf("Difficulty() = %v, want 1", d)
	}
}
