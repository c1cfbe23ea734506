package miner

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/internal/work/worktest"
	"github.com/bardlex/gominer/pkg/log"
)

// funcEval adapts a function to work.Evaluator.
type funcEval func(h *work.Header, nonce uint32) (chainhash.Hash, bool)

func (f funcEval) Evaluate(h *work.Header, nonce uint32) (chainhash.Hash, bool) {
	return f(h, nonce)
}

var alwaysMeets = funcEval(func(h *work.Header, nonce uint32) (chainhash.Hash, bool) {
	return chainhash.Hash{}, true
})

func testCoordinator(cfg Config) *Coordinator {
	c := NewCoordinator(cfg, log.Nop())
	c.salt = func() uint64 { return 0 }
	return c
}

func smallConfig(threads int) Config {
	cfg := DefaultConfig()
	cfg.Threads = threads
	cfg.ChunkBits = 8
	cfg.DomainBits = 40
	cfg.BatchSize = 64
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestRound_PublishFirstWins(t *testing.T) {
	r := &round{
		ctx:     context.Background(),
		results: make(chan Candidate, 1),
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if r.publish(Candidate{WorkerID: id}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("publish succeeded %d times, want 1", wins.Load())
	}
	if len(r.results) != 1 {
		t.Errorf("result channel holds %d candidates, want 1", len(r.results))
	}

	r2 := &round{ctx: context.Background(), results: make(chan Candidate, 1)}
	r2.stop.Store(true)
	if r2.publish(Candidate{}) {
		t.Error("publish succeeded after cancellation")
	}
}

func TestCoordinator_AtMostOneResult(t *testing.T) {
	cfg := smallConfig(16)
	cfg.Evaluator = alwaysMeets
	c := testCoordinator(cfg)
	tmpl := worktest.Template(t)

	res := c.Run(context.Background(), tmpl, nil)

	if res.Outcome != OutcomeFound {
		t.Fatalf("Outcome = %s, want found", res.Outcome)
	}
	if res.Candidate == nil || res.Candidate.TemplateID != tmpl.ID() {
		t.Fatalf("Candidate = %+v, want one for %s", res.Candidate, tmpl.ID())
	}
	if !res.Drained {
		t.Error("losing workers did not stop; a second publish may have blocked")
	}
	if res.RoundID == "" {
		t.Error("round id not set")
	}
}

func TestCoordinator_FindsRealSolution(t *testing.T) {
	cfg := smallConfig(4)
	c := testCoordinator(cfg)
	tmpl := worktest.Template(t, worktest.WithTarget(worktest.Easy(8)))

	res := c.Run(context.Background(), tmpl, nil)
	if res.Outcome != OutcomeFound {
		t.Fatalf("Outcome = %s, want found", res.Outcome)
	}

	hash, ok := work.Evaluate(tmpl, res.Candidate.Nonce)
	if !ok || hash != res.Candidate.Hash {
		t.Errorf("candidate nonce %d does not reproduce: ok=%v hash=%s want %s",
			res.Candidate.Nonce, ok, hash, res.Candidate.Hash)
	}
	if res.Hashes == 0 {
		t.Error("round hash count not recorded")
	}
}

func TestCoordinator_StaleCancelsPromptly(t *testing.T) {
	c := testCoordinator(smallConfig(4))
	tmpl := worktest.Template(t, worktest.WithPrev("old"))
	sameTip := worktest.Template(t, worktest.WithPrev("old"), worktest.WithTransactions(2))
	newer := worktest.Template(t, worktest.WithPrev("new"), worktest.WithHeight(840001))

	updates := make(chan *work.Template, 1)
	go func() {
		updates <- sameTip
		time.Sleep(30 * time.Millisecond)
		updates <- newer
	}()

	start := time.Now()
	res := c.Run(context.Background(), tmpl, updates)

	if res.Outcome != OutcomeStale {
		t.Fatalf("Outcome = %s, want stale", res.Outcome)
	}
	if res.Next != newer {
		t.Error("Next is not the newer template")
	}
	if res.Candidate != nil {
		t.Error("stale round carried a candidate")
	}
	if !res.Drained {
		t.Error("workers did not stop within the drain timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stale round took %v", elapsed)
	}
}

func TestCoordinator_Expired(t *testing.T) {
	c := testCoordinator(smallConfig(2))
	tmpl := worktest.Template(t, worktest.WithExpiry(40*time.Millisecond))

	res := c.Run(context.Background(), tmpl, nil)
	if res.Outcome != OutcomeExpired {
		t.Errorf("Outcome = %s, want expired", res.Outcome)
	}
}

func TestCoordinator_AlreadyExpired(t *testing.T) {
	c := testCoordinator(smallConfig(2))
	tmpl := worktest.Template(t, worktest.WithExpiry(-time.Second))

	res := c.Run(context.Background(), tmpl, nil)
	if res.Outcome != OutcomeExpired {
		t.Errorf("Outcome = %s, want expired", res.Outcome)
	}
	if res.Hashes != 0 || !res.Drained {
		t.Errorf("expired template was searched: hashes=%d drained=%v", res.Hashes, res.Drained)
	}
}

func TestCoordinator_Exhausted(t *testing.T) {
	cfg := smallConfig(4)
	cfg.ChunkBits = 4
	cfg.DomainBits = 8
	cfg.BatchSize = 3
	c := testCoordinator(cfg)

	res := c.Run(context.Background(), worktest.Template(t), nil)
	if res.Outcome != OutcomeExhausted {
		t.Fatalf("Outcome = %s, want exhausted", res.Outcome)
	}
	if res.Hashes != 256 {
		t.Errorf("Hashes = %d, want 256", res.Hashes)
	}
	if got := c.SwapHashes(); got != 256 {
		t.Errorf("SwapHashes() = %d, want 256", got)
	}
	if got := c.SwapHashes(); got != 0 {
		t.Errorf("SwapHashes() after swap = %d, want 0", got)
	}
}

func TestCoordinator_Cancelled(t *testing.T) {
	c := testCoordinator(smallConfig(2))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := c.Run(ctx, worktest.Template(t), nil)
	if res.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", res.Outcome)
	}
}

func TestCoordinator_PanicIsolated(t *testing.T) {
	cfg := smallConfig(1)
	cfg.ChunkBits = 4
	cfg.DomainBits = 8
	cfg.Evaluator = funcEval(func(h *work.Header, nonce uint32) (chainhash.Hash, bool) {
		switch nonce {
		case 3:
			panic("corrupt midstate")
		case 9:
			return chainhash.Hash{0x09}, true
		}
		return chainhash.Hash{0xff}, false
	})
	c := testCoordinator(cfg)

	res := c.Run(context.Background(), worktest.Template(t), nil)
	if res.Outcome != OutcomeFound {
		t.Fatalf("Outcome = %s, want found", res.Outcome)
	}
	if res.Candidate.Nonce != 9 {
		t.Errorf("Candidate nonce = %d, want 9", res.Candidate.Nonce)
	}
}

func TestCoordinator_AllWorkersFailed(t *testing.T) {
	cfg := smallConfig(3)
	cfg.Evaluator = funcEval(func(*work.Header, uint32) (chainhash.Hash, bool) {
		panic("broken")
	})
	c := testCoordinator(cfg)

	res := c.Run(context.Background(), worktest.Template(t), nil)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %s, want failed", res.Outcome)
	}
	if res.Err == nil {
		t.Error("failed round carried no error")
	}
}

func TestCoordinator_DrainTimeout(t *testing.T) {
	cfg := smallConfig(2)
	cfg.BatchSize = 1
	cfg.DrainTimeout = 20 * time.Millisecond
	cfg.Evaluator = funcEval(func(*work.Header, uint32) (chainhash.Hash, bool) {
		time.Sleep(300 * time.Millisecond)
		return chainhash.Hash{0xff}, false
	})
	c := testCoordinator(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	res := c.Run(ctx, worktest.Template(t), nil)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %s, want cancelled", res.Outcome)
	}
	if res.Drained {
		t.Error("slow workers reported as drained")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Run blocked %v on slow workers", elapsed)
	}
}

func TestCoordinator_InvalidDomain(t *testing.T) {
	cfg := smallConfig(1)
	cfg.ChunkBits = 40
	c := testCoordinator(cfg)

	res := c.Run(context.Background(), worktest.Template(t), nil)
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Errorf("Run() = %s, %v; want failed with error", res.Outcome, res.Err)
	}
}

func TestCoordinator_Threads(t *testing.T) {
	c := testCoordinator(smallConfig(2))
	if c.Threads() != 2 {
		t.Errorf("Threads() = %d, want 2", c.Threads())
	}

	c.SetThreads(-1)
	if c.Threads() != runtime.NumCPU() {
		t.Errorf("Threads() = %d, want %d", c.Threads(), runtime.NumCPU())
	}

	c.SetThreads(3)
	cfg := smallConfig(3)
	cfg.Evaluator = alwaysMeets
	c.cfg.Evaluator = cfg.Evaluator
	if res := c.Run(context.Background(), worktest.Template(t), nil); res.Threads != 3 {
		t.Errorf("round used %d threads, want 3", res.Threads)
	}
}

func TestStateAndOutcomeStrings(t *testing.T) {
	states := map[State]string{
		StateLeasing: "leasing", StateSearching: "searching", StateFound: "found",
		StateExhausted: "exhausted", StateCancelled: "cancelled", StateFailed: "failed",
		State(42): "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
	if StateSearching.Terminal() || !StateCancelled.Terminal() {
		t.Error("Terminal() misclassifies states")
	}

	if OutcomeStale.String() != "stale" || Outcome(42).String() != "unknown" {
		t.Error("Outcome strings mismatch")
	}
}
