package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/internal/work/worktest"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

type submitCall struct {
	templateID string
	nonce      uint64
	tmpl       *work.Template
}

// fakeNode serves templates from a queue and records submissions.
type fakeNode struct {
	mu         sync.Mutex
	fetchErrs  []error
	templates  []*work.Template
	fetchCalls int
	submits    []submitCall
	submitRes  node.SubmitResult
	submitErr  error

	updates   chan *work.Template
	submitted chan submitCall
}

func newFakeNode(templates ...*work.Template) *fakeNode {
	return &fakeNode{
		templates: templates,
		updates:   make(chan *work.Template, 1),
		submitted: make(chan submitCall, 16),
	}
}

func (f *fakeNode) FetchTemplate(ctx context.Context) (*work.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.fetchCalls
	f.fetchCalls++
	if n < len(f.fetchErrs) && f.fetchErrs[n] != nil {
		return nil, f.fetchErrs[n]
	}
	n -= len(f.fetchErrs)
	return f.templates[min(max(n, 0), len(f.templates)-1)], nil
}

func (f *fakeNode) Submit(ctx context.Context, tmpl *work.Template, n uint64) (node.SubmitResult, error) {
	f.mu.Lock()
	call := submitCall{templateID: tmpl.ID(), nonce: n, tmpl: tmpl}
	f.submits = append(f.submits, call)
	res, err := f.submitRes, f.submitErr
	f.mu.Unlock()

	f.submitted <- call
	return res, err
}

func (f *fakeNode) Watch(ctx context.Context) <-chan *work.Template { return f.updates }

func (f *fakeNode) submitCalls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

// fakeRecorder stores every call.
type fakeRecorder struct {
	mu          sync.Mutex
	rounds      []miner.Outcome
	submissions []node.Outcome
	hashrates   []float64
}

func (r *fakeRecorder) RecordRound(_ context.Context, _ *work.Template, res miner.RoundResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, res.Outcome)
}

func (r *fakeRecorder) RecordSubmission(_ context.Context, _ *work.Template, _ miner.Candidate, res node.SubmitResult, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, res.Outcome)
}

func (r *fakeRecorder) RecordHashrate(_ context.Context, hps float64, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashrates = append(r.hashrates, hps)
}

type fakeGuard struct {
	ok  bool
	err error
}

func (g fakeGuard) Claim(context.Context, string) (bool, error) { return g.ok, g.err }

func testConfig() Config {
	return Config{
		Backoff: &retry.Config{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
	}
}

func testCoordinator(threads int) *miner.Coordinator {
	cfg := miner.DefaultConfig()
	cfg.Threads = threads
	cfg.ChunkBits = 12
	cfg.DomainBits = 40
	cfg.BatchSize = 256
	cfg.DrainTimeout = time.Second
	return miner.NewCoordinator(cfg, log.Nop())
}

func runSession(t *testing.T, s *Session) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func waitSubmit(t *testing.T, f *fakeNode) submitCall {
	t.Helper()
	select {
	case call := <-f.submitted:
		return call
	case <-time.After(10 * time.Second):
		t.Fatal("no submission")
	}
	return submitCall{}
}

func TestSession_FindsAndSubmitsOnce(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithTarget(worktest.Easy(8)))
	fn := newFakeNode(tmpl)
	rec := &fakeRecorder{}
	s := New(fn, testCoordinator(4), testConfig(), log.Nop(), WithRecorder(rec))

	stop := runSession(t, s)
	call := waitSubmit(t, fn)
	time.Sleep(50 * time.Millisecond)
	stop()

	if calls := fn.submitCalls(); len(calls) != 1 {
		t.Fatalf("submit called %d times, want 1", len(calls))
	}
	if call.templateID != tmpl.ID() {
		t.Errorf("submitted template %s, want %s", call.templateID, tmpl.ID())
	}
	if _, ok := work.Evaluate(tmpl, call.nonce); !ok {
		t.Errorf("submitted nonce %#x does not meet the target", call.nonce)
	}
	if s.State() != StateShuttingDown {
		t.Errorf("State() = %s after stop", s.State())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.submissions) != 1 || rec.submissions[0] != node.Accepted {
		t.Errorf("recorded submissions = %v", rec.submissions)
	}
}

func TestSession_BacksOffThenMines(t *testing.T) {
	unreachable := errors.New(errors.ErrorTypeUnreachable, "get_block_template", "connection refused")
	fn := newFakeNode(worktest.Template(t))
	fn.fetchErrs = []error{unreachable, unreachable}

	var mu sync.Mutex
	var transitions []State
	mining := make(chan struct{})
	var once sync.Once

	cfg := testConfig()
	cfg.OnStateChange = func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
		if to == StateMining {
			once.Do(func() { close(mining) })
		}
	}
	s := New(fn, testCoordinator(1), cfg, log.Nop())

	stop := runSession(t, s)
	select {
	case <-mining:
	case <-time.After(5 * time.Second):
		t.Fatal("session never started mining")
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	want := []State{
		StateFetchingTemplate, StateErrorBackoff,
		StateFetchingTemplate, StateErrorBackoff,
		StateFetchingTemplate, StateMining,
	}
	if len(transitions) < len(want) {
		t.Fatalf("transitions = %v, want prefix %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want prefix %v", transitions, want)
		}
	}
	if s.backoff.Failures() != 0 {
		t.Errorf("backoff not reset after success: %d failures", s.backoff.Failures())
	}
}

func TestSession_StaleTemplateNeverSubmitted(t *testing.T) {
	old := worktest.Template(t, worktest.WithPrev("old"))
	newer := worktest.Template(t,
		worktest.WithPrev("new"),
		worktest.WithHeight(840001),
		worktest.WithTarget(worktest.Easy(8)),
	)
	fn := newFakeNode(old, newer)

	mining := make(chan struct{}, 8)
	cfg := testConfig()
	cfg.OnStateChange = func(_, to State) {
		if to == StateMining {
			select {
			case mining <- struct{}{}:
			default:
			}
		}
	}
	rec := &fakeRecorder{}
	s := New(fn, testCoordinator(4), cfg, log.Nop(), WithRecorder(rec))

	stop := runSession(t, s)
	<-mining
	time.Sleep(20 * time.Millisecond)
	fn.updates <- newer

	call := waitSubmit(t, fn)
	stop()

	if call.templateID != newer.ID() {
		t.Errorf("submitted %s, want %s", call.templateID, newer.ID())
	}
	for _, c := range fn.submitCalls() {
		if c.templateID == old.ID() {
			t.Fatalf("candidate for stale template %s was submitted", old.ID())
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rounds) == 0 || rec.rounds[0] != miner.OutcomeStale {
		t.Errorf("first round outcome = %v, want stale", rec.rounds)
	}
}

func TestSession_DropsCandidateWhenNewerPending(t *testing.T) {
	tmpl := worktest.Template(t, worktest.WithPrev("a"))
	newer := worktest.Template(t, worktest.WithPrev("b"))
	fn := newFakeNode(tmpl)
	s := New(fn, testCoordinator(1), testConfig(), log.Nop())

	updates := make(chan *work.Template, 2)
	updates <- worktest.Template(t, worktest.WithPrev("a"))
	updates <- newer

	next := s.submit(context.Background(), tmpl, miner.Candidate{TemplateID: tmpl.ID()}, updates)
	if next != newer {
		t.Errorf("submit() next = %v, want the pending template", next)
	}
	if len(fn.submitCalls()) != 0 {
		t.Error("candidate for superseded template was submitted")
	}
}

func TestSession_SubmitGuard(t *testing.T) {
	tests := []struct {
		name       string
		guard      Guard
		wantSubmit int
	}{
		{"no shared guard", nil, 1},
		{"claimed elsewhere", fakeGuard{ok: false}, 0},
		{"guard down", fakeGuard{err: io.EOF}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := worktest.Template(t)
			fn := newFakeNode(tmpl)
			var opts []Option
			if tt.guard != nil {
				opts = append(opts, WithGuard(tt.guard))
			}
			s := New(fn, testCoordinator(1), testConfig(), log.Nop(), opts...)

			cand := miner.Candidate{TemplateID: tmpl.ID(), Nonce: 1}
			s.submit(context.Background(), tmpl, cand, nil)
			s.submit(context.Background(), tmpl, cand, nil)

			if got := len(fn.submitCalls()); got != tt.wantSubmit {
				t.Errorf("submit called %d times, want %d", got, tt.wantSubmit)
			}
		})
	}
}

func TestSession_BackoffLogThrottling(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithWriter(&buf, "gominer", "test", "info", "json")
	s := New(newFakeNode(worktest.Template(t)), testCoordinator(1), testConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := errors.New(errors.ErrorTypeUnreachable, "get_block_template", "down")
	for i := 0; i < 10; i++ {
		s.enterBackoff(ctx, err)
	}

	// failures 1, 2, 4 and 8
	if got := strings.Count(buf.String(), `"msg":"node unavailable"`); got != 4 {
		t.Errorf("logged %d warnings for 10 failures, want 4\n%s", got, buf.String())
	}
	if s.State() != StateErrorBackoff {
		t.Errorf("State() = %s, want error_backoff", s.State())
	}
}

// panicEval fails every worker that evaluates a nonce.
type panicEval struct{}

func (panicEval) Evaluate(*work.Header, uint32) (chainhash.Hash, bool) { panic("broken hasher") }

func TestSession_WorkerFailureIsNotANodeFailure(t *testing.T) {
	var buf syncBuffer
	logger := log.NewWithWriter(&buf, "gominer", "test", "info", "json")

	cfg := miner.DefaultConfig()
	cfg.Threads = 2
	cfg.ChunkBits = 8
	cfg.DomainBits = 16
	cfg.Evaluator = panicEval{}
	cfg.MaxWorkerPanics = 1
	coord := miner.NewCoordinator(cfg, log.Nop())

	rec := &fakeRecorder{}
	s := New(newFakeNode(worktest.Template(t)), coord, testConfig(), logger, WithRecorder(rec))

	stop := runSession(t, s)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && strings.Count(buf.String(), "all workers failed, retrying round") < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	stop()

	out := buf.String()
	if strings.Count(out, "all workers failed, retrying round") < 2 {
		t.Fatalf("worker failure not logged:\n%s", out)
	}
	for _, msg := range []string{"node unavailable", "node reachable again"} {
		if strings.Contains(out, msg) {
			t.Errorf("worker failure reported as %q", msg)
		}
	}
	if n := s.backoff.Failures(); n != 0 {
		t.Errorf("node failure streak = %d, want 0", n)
	}
	if n := s.workerBackoff.Failures(); n < 2 {
		t.Errorf("worker failure streak = %d, want at least 2", n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rounds) == 0 || rec.rounds[0] != miner.OutcomeFailed {
		t.Errorf("rounds = %v, want failed", rec.rounds)
	}
}

// syncBuffer collects log output written from many goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSession_ReportsHashrate(t *testing.T) {
	fn := newFakeNode(worktest.Template(t))
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.StatsInterval = 20 * time.Millisecond
	s := New(fn, testCoordinator(2), cfg, log.Nop(), WithRecorder(rec))

	stop := runSession(t, s)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.hashrates)
		last := 0.0
		if n > 0 {
			last = rec.hashrates[n-1]
		}
		rec.mu.Unlock()
		if n >= 2 && last > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.hashrates) < 2 || rec.hashrates[len(rec.hashrates)-1] <= 0 {
		t.Errorf("hashrates = %v, want positive samples", rec.hashrates)
	}
}

func TestSession_ShutdownAndThreads(t *testing.T) {
	fn := newFakeNode(worktest.Template(t))
	coord := testCoordinator(1)
	s := New(fn, coord, testConfig(), log.Nop())

	s.SetThreads(3)
	if coord.Threads() != 3 {
		t.Errorf("coordinator threads = %d, want 3", coord.Threads())
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	time.Sleep(30 * time.Millisecond)

	s.Shutdown()
	s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	if s.State() != StateShuttingDown {
		t.Errorf("State() = %s, want shutting_down", s.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateFetchingTemplate: "fetching_template", StateMining: "mining",
		StateSubmitting: "submitting", StateErrorBackoff: "error_backoff",
		StateShuttingDown: "shutting_down", State(99): "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
