// Package session runs the outer mining loop: fetch a template, search it,
// submit what was found and start again.
package session

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// State is the session's position in its control loop.
type State int32

const (
	// StateIdle - between rounds
	StateIdle State = iota
	// StateFetchingTemplate - waiting for the node to hand out work
	StateFetchingTemplate
	// StateMining - a coordinator round is running
	StateMining
	// StateSubmitting - a candidate is being sent to the node
	StateSubmitting
	// StateErrorBackoff - waiting after a failed node operation
	StateErrorBackoff
	// StateShuttingDown - stop was requested; the loop is draining
	StateShuttingDown
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingTemplate:
		return "fetching_template"
	case StateMining:
		return "mining"
	case StateSubmitting:
		return "submitting"
	case StateErrorBackoff:
		return "error_backoff"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Node is the part of the node client the session drives.
type Node interface {
	FetchTemplate(ctx context.Context) (*work.Template, error)
	Submit(ctx context.Context, tmpl *work.Template, n uint64) (node.SubmitResult, error)
	Watch(ctx context.Context) <-chan *work.Template
}

var _ Node = (*node.Client)(nil)

// Config holds session configuration
type Config struct {
	// Backoff shapes the delays of the Error-Backoff state.
	Backoff *retry.Config
	// StatsInterval is how often the hashrate is reported. Zero disables it.
	StatsInterval time.Duration
	// OnStateChange, when set, is called after every state transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Backoff: &retry.Config{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
		},
		StatsInterval: 3 * time.Second,
	}
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithRecorder adds a recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorders = append(s.recorders, r) }
}

// WithGuard sets a shared submission guard on top of the in-process one.
func WithGuard(g Guard) Option {
	return func(s *Session) { s.guard = g }
}

// Session owns one coordinator and drives it against one node.
type Session struct {
	node   Node
	coord  *miner.Coordinator
	cfg    Config
	logger *log.Logger

	recorders Recorders
	guard     Guard
	backoff   *retry.Backoff
	// separate streak for rounds in which every worker failed
	workerBackoff *retry.Backoff

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once

	// touched only by the Run goroutine
	submitted    map[string]bool
	lastAccepted time.Time
}

// New creates a session.
func New(n Node, coord *miner.Coordinator, cfg Config, logger *log.Logger, opts ...Option) *Session {
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultConfig().Backoff
	}

	s := &Session{
		node:          n,
		coord:         coord,
		cfg:           cfg,
		logger:        logger.WithComponent("session"),
		backoff:       retry.NewBackoff(cfg.Backoff),
		workerBackoff: retry.NewBackoff(cfg.Backoff),
		stop:          make(chan struct{}),
		submitted:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger.Debug("session state changed", "from", from.String(), "to", to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// SetThreads changes the worker count; it applies from the next round.
func (s *Session) SetThreads(n int) {
	s.coord.SetThreads(n)
	s.logger.Info("thread count changed", "threads", s.coord.Threads())
}

// Shutdown asks Run to stop. It is safe to call more than once and from
// any goroutine.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run mines until ctx is done or Shutdown is called. Node failures are
// handled with backoff and never end the loop; Run returns nil once the
// current round has drained.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	updates := s.node.Watch(ctx)

	var wg sync.WaitGroup
	if s.cfg.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reportStats(ctx)
		}()
	}
	defer wg.Wait()

	s.logger.Info("mining session started", "threads", s.coord.Threads())

	var tmpl *work.Template
	for ctx.Err() == nil {
		if tmpl == nil {
			tmpl = s.fetch(ctx)
			if tmpl == nil {
				continue
			}
		}
		tmpl = s.mine(ctx, tmpl, updates)
		s.setState(StateIdle)
	}

	s.setState(StateShuttingDown)
	s.logger.Info("mining session stopped")
	return nil
}

// fetch returns a template, or nil after a failure has been backed off.
func (s *Session) fetch(ctx context.Context) *work.Template {
	s.setState(StateFetchingTemplate)

	tmpl, err := s.node.FetchTemplate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.enterBackoff(ctx, err)
		}
		return nil
	}

	if n := s.backoff.Failures(); n > 0 {
		s.logger.Info("node reachable again", "failures", n)
	}
	s.backoff.Reset()

	s.logger.WithTemplate(tmpl.ID(), tmpl.Height()).Info("new template",
		"transactions", tmpl.TxCount(),
		"difficulty", tmpl.Difficulty(),
	)
	return tmpl
}

// mine runs one round and returns the template for the next one, nil
// when a fresh one must be fetched.
func (s *Session) mine(ctx context.Context, tmpl *work.Template, updates <-chan *work.Template) *work.Template {
	s.setState(StateMining)

	res := s.coord.Run(ctx, tmpl, updates)
	s.recorders.RecordRound(ctx, tmpl, res)
	if res.Outcome != miner.OutcomeFailed {
		s.workerBackoff.Reset()
	}

	switch res.Outcome {
	case miner.OutcomeFound:
		return s.submit(ctx, tmpl, *res.Candidate, updates)
	case miner.OutcomeStale:
		return res.Next
	case miner.OutcomeFailed:
		s.workersFailed(ctx, res.Err)
		return nil
	case miner.OutcomeCancelled:
		return tmpl
	default:
		// expired or exhausted
		return nil
	}
}

// submit sends cand unless a newer template is already pending or the
// template was submitted before. It returns the next template to mine.
func (s *Session) submit(ctx context.Context, tmpl *work.Template, cand miner.Candidate, updates <-chan *work.Template) *work.Template {
	logger := s.logger.WithTemplate(tmpl.ID(), tmpl.Height())
	logger.LogCandidateFound(cand.TemplateID, cand.Nonce, cand.Hash.String())

	if next := pendingUpdate(tmpl, updates); next != nil {
		logger.Info("dropping candidate for superseded template", "next_template_id", next.ID())
		return next
	}

	if !s.claim(ctx, tmpl.ID()) {
		logger.Warn("template already submitted, dropping candidate")
		return nil
	}

	s.setState(StateSubmitting)
	res, err := s.node.Submit(ctx, tmpl, cand.Nonce)
	s.recorders.RecordSubmission(ctx, tmpl, cand, res, err)

	if err != nil {
		logger.WithError(err).Error("block submission failed", "block_hash", res.BlockHash.String())
		if errors.IsUnreachable(err) && ctx.Err() == nil {
			s.enterBackoff(ctx, err)
		}
		return nil
	}

	logger.LogSubmission(tmpl.ID(), res.BlockHash.String(), res.Outcome.String(), res.Reason)
	if res.Outcome == node.Accepted {
		now := time.Now()
		if !s.lastAccepted.IsZero() {
			logger.Info("block accepted", "since_last_block", now.Sub(s.lastAccepted).Round(time.Second))
		} else {
			logger.Info("block accepted", "since_last_block", "first")
		}
		s.lastAccepted = now
	}
	return nil
}

// claim enforces one submission per template id. The shared guard is
// advisory: if it cannot be reached the in-process claim still holds.
func (s *Session) claim(ctx context.Context, templateID string) bool {
	if s.submitted[templateID] {
		return false
	}
	s.submitted[templateID] = true
	// ids only repeat while the tip stays the same
	if len(s.submitted) > 64 {
		s.submitted = map[string]bool{templateID: true}
	}

	if s.guard == nil {
		return true
	}
	ok, err := s.guard.Claim(ctx, templateID)
	if err != nil {
		s.logger.WithError(err).Warn("submission guard unavailable", "template_id", templateID)
		return true
	}
	return ok
}

// pendingUpdate drains updates without blocking and returns the newest
// template with an id other than tmpl's.
func pendingUpdate(tmpl *work.Template, updates <-chan *work.Template) *work.Template {
	var next *work.Template
	for {
		select {
		case t, ok := <-updates:
			if !ok {
				return next
			}
			if t != nil && t.ID() != tmpl.ID() {
				next = t
			}
		default:
			return next
		}
	}
}

// enterBackoff waits out a failed node operation. Persistent failures are
// logged when the streak reaches a power of two.
func (s *Session) enterBackoff(ctx context.Context, err error) {
	s.setState(StateErrorBackoff)

	delay := s.backoff.Next()
	failures := s.backoff.Failures()

	logger := s.logger.WithError(err)
	fields := []any{"failures", failures, "retry_in", delay}
	switch {
	case errors.IsConfig(err):
		logger.Error("node connection misconfigured", fields...)
	case errors.IsMalformed(err), errors.IsRejected(err):
		logger.Error("node returned an unusable answer", fields...)
	case bits.OnesCount(uint(failures)) == 1:
		logger.Warn("node unavailable", fields...)
	default:
		logger.Debug("node still unavailable", fields...)
	}

	sleep(ctx, delay)
}

// workersFailed waits before retrying a round that lost every worker.
// The node failure streak is left alone.
func (s *Session) workersFailed(ctx context.Context, err error) {
	s.setState(StateErrorBackoff)

	delay := s.workerBackoff.Next()
	s.logger.WithError(err).Error("all workers failed, retrying round",
		"failures", s.workerBackoff.Failures(),
		"retry_in", delay,
	)
	sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// reportStats logs and records the hashrate every StatsInterval.
func (s *Session) reportStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			hashes := s.coord.SwapHashes()
			elapsed := now.Sub(last).Seconds()
			last = now
			if elapsed <= 0 {
				continue
			}

			hps := float64(hashes) / elapsed
			threads := s.coord.Threads()
			s.logger.LogHashrate(hps, threads)
			s.recorders.RecordHashrate(ctx, hps, threads)
		}
	}
}
