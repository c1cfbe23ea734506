package miner

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Outcome is how a round ended.
type Outcome int

const (
	// OutcomeFound - a worker found a candidate
	OutcomeFound Outcome = iota
	// OutcomeStale - a template with a different id arrived
	OutcomeStale
	// OutcomeExpired - the template passed its refresh deadline
	OutcomeExpired
	// OutcomeExhausted - every range was searched without success
	OutcomeExhausted
	// OutcomeCancelled - the caller's context ended
	OutcomeCancelled
	// OutcomeFailed - every worker left the round after internal errors
	OutcomeFailed
)

// String returns string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeStale:
		return "stale"
	case OutcomeExpired:
		return "expired"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds coordinator configuration
type Config struct {
	Threads         int // -1 means runtime.NumCPU()
	ChunkBits       uint
	DomainBits      uint
	BatchSize       int
	DrainTimeout    time.Duration
	MaxWorkerPanics int
	Evaluator       work.Evaluator
}

// DefaultConfig returns the search defaults.
func DefaultConfig() Config {
	return Config{
		Threads:         1,
		ChunkBits:       20,
		DomainBits:      48,
		BatchSize:       4096,
		DrainTimeout:    2 * time.Second,
		MaxWorkerPanics: 3,
		Evaluator:       work.SHA256d{},
	}
}

// ResolveThreads maps the "all hardware threads" sentinel to a count.
func ResolveThreads(n int) int {
	if n == -1 {
		return runtime.NumCPU()
	}
	return n
}

// RoundResult reports one coordinator round.
type RoundResult struct {
	RoundID    string
	TemplateID string
	Outcome    Outcome
	// Candidate is set only for OutcomeFound.
	Candidate *Candidate
	// Next is the newer template that made the round stale.
	Next     *work.Template
	Hashes   uint64
	Duration time.Duration
	Threads  int
	// Drained is false when workers were still running at the drain deadline.
	Drained bool
	Err     error
}

// Coordinator runs rounds of parallel search. One coordinator belongs to
// one session; it keeps no state between rounds except the hash counter.
type Coordinator struct {
	cfg     Config
	threads atomic.Int64
	logger  *log.Logger

	total atomic.Uint64
	salt  func() uint64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, logger *log.Logger) *Coordinator {
	if cfg.Evaluator == nil {
		cfg.Evaluator = work.SHA256d{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxWorkerPanics <= 0 {
		cfg.MaxWorkerPanics = DefaultConfig().MaxWorkerPanics
	}

	c := &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("miner"),
		salt:   rand.Uint64,
	}
	c.threads.Store(int64(cfg.Threads))
	return c
}

// SetThreads changes the worker count used from the next round on.
func (c *Coordinator) SetThreads(n int) {
	c.threads.Store(int64(n))
}

// Threads returns the resolved worker count for the next round.
func (c *Coordinator) Threads() int {
	return max(1, ResolveThreads(int(c.threads.Load())))
}

// SwapHashes returns and resets the hash counter.
func (c *Coordinator) SwapHashes() uint64 { return c.total.Swap(0) }

// Run searches tmpl until a candidate is found, a template with another
// id arrives on updates, tmpl expires, the domain is exhausted or ctx ends.
// Cancellation is cooperative: Run waits at most DrainTimeout for workers
// to stop and then returns regardless.
func (c *Coordinator) Run(ctx context.Context, tmpl *work.Template, updates <-chan *work.Template) RoundResult {
	started := time.Now()
	threads := c.Threads()
	res := RoundResult{
		RoundID:    uuid.NewString(),
		TemplateID: tmpl.ID(),
		Threads:    threads,
	}

	ctx = context.WithValue(ctx, log.RoundIDKey, res.RoundID)
	logger := c.logger.WithContext(ctx).WithTemplate(tmpl.ID(), tmpl.Height())

	if tmpl.Expired(started) {
		res.Outcome = OutcomeExpired
		res.Drained = true
		logger.LogRound(res.Outcome.String(), 0, 0)
		return res
	}

	part, err := NewPartitioner(c.cfg.ChunkBits, c.cfg.DomainBits, c.salt())
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.Wrap(err, errors.ErrorTypeConfig, "round", "invalid search domain")
		return res
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var roundHashes atomic.Uint64
	r := &round{
		ctx:       roundCtx,
		tmpl:      tmpl,
		header:    tmpl.Header,
		eval:      c.cfg.Evaluator,
		part:      part,
		batch:     uint64(c.cfg.BatchSize),
		maxPanics: c.cfg.MaxWorkerPanics,
		results:   make(chan Candidate, 1),
		hashes:    &roundHashes,
		total:     &c.total,
	}

	states := make([]State, threads)
	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			states[id] = newWorker(id, r, logger).Run()
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var expiry <-chan time.Time
	if deadline := tmpl.ExpiresAt(); !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expiry = timer.C
	}

	logger.Debug("round started", "threads", threads, "chunks", part.Chunks())

wait:
	for {
		select {
		case cand := <-r.results:
			res.Outcome = OutcomeFound
			res.Candidate = &cand

		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if next == nil || next.ID() == tmpl.ID() {
				continue
			}
			res.Outcome = OutcomeStale
			res.Next = next

		case <-expiry:
			res.Outcome = OutcomeExpired

		case <-done:
			// a worker may publish and exit before the result is observed
			select {
			case cand := <-r.results:
				res.Outcome = OutcomeFound
				res.Candidate = &cand
				break wait
			default:
			}
			res.Outcome = OutcomeExhausted
			if allFailed(states) {
				res.Outcome = OutcomeFailed
				res.Err = errors.New(errors.ErrorTypeInternal, "round", "all workers failed")
			}

		case <-ctx.Done():
			res.Outcome = OutcomeCancelled
		}
		break
	}

	r.stop.Store(true)
	cancel()

	drain := time.NewTimer(c.cfg.DrainTimeout)
	select {
	case <-done:
		res.Drained = true
	case <-drain.C:
		logger.Warn("workers still running after drain timeout", "drain_timeout", c.cfg.DrainTimeout)
	}
	drain.Stop()

	res.Hashes = roundHashes.Load()
	res.Duration = time.Since(started)
	logger.LogRound(res.Outcome.String(), res.Hashes, res.Duration)

	return res
}

func allFailed(states []State) bool {
	for _, s := range states {
		if s != StateFailed {
			return false
		}
	}
	return len(states) > 0
}
