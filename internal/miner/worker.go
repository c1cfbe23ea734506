package miner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// State is the lifecycle state of a worker within one round.
type State int

const (
	// StateLeasing - the worker is asking the partitioner for a range
	StateLeasing State = iota
	// StateSearching - the worker is hashing its current range
	StateSearching
	// StateFound - the worker published a candidate
	StateFound
	// StateExhausted - the partitioner has no ranges left
	StateExhausted
	// StateCancelled - the round was cancelled
	StateCancelled
	// StateFailed - the worker hit too many internal errors and left the round
	StateFailed
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateLeasing:
		return "leasing"
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the worker loop ends in this state.
func (s State) Terminal() bool { return s >= StateFound }

// Candidate is a search index whose hash meets the template target.
type Candidate struct {
	TemplateID string
	Nonce      uint64
	Hash       chainhash.Hash
	WorkerID   int
}

// round is the state shared by all workers of one coordinator round.
type round struct {
	ctx       context.Context
	tmpl      *work.Template
	header    func(extraNonce uint32) *work.Header
	eval      work.Evaluator
	part      *Partitioner
	batch     uint64
	maxPanics int

	stop      atomic.Bool
	published atomic.Bool
	results   chan Candidate

	hashes *atomic.Uint64 // round total
	total  *atomic.Uint64 // coordinator lifetime total, swapped by the stats reporter
}

func (r *round) cancelled() bool {
	if r.stop.Load() {
		return true
	}
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// publish hands c to the coordinator. Only the first call of a round
// succeeds; later calls and calls after cancellation are no-ops.
func (r *round) publish(c Candidate) bool {
	if r.cancelled() {
		return false
	}
	if !r.published.CompareAndSwap(false, true) {
		return false
	}
	r.results <- c
	return true
}

func (r *round) count(n uint64) {
	r.hashes.Add(n)
	r.total.Add(n)
}

// Worker drives one goroutine of hash search. Its fields are only touched
// by its own goroutine.
type Worker struct {
	id     int
	r      *round
	logger *log.Logger

	state  State
	lease  Range
	pos    uint64
	header *work.Header
	panics int
}

func newWorker(id int, r *round, logger *log.Logger) *Worker {
	return &Worker{
		id:     id,
		r:      r,
		logger: logger.WithWorker(id),
		state:  StateLeasing,
	}
}

// Run executes the worker state machine until a terminal state.
func (w *Worker) Run() State {
	for !w.state.Terminal() {
		switch w.state {
		case StateLeasing:
			w.state = w.leaseNext()
		case StateSearching:
			w.state = w.searchSafely()
		}
	}
	return w.state
}

func (w *Worker) leaseNext() State {
	if w.r.cancelled() {
		return StateCancelled
	}

	lease, err := w.r.part.Lease(w.id)
	if err != nil {
		return StateExhausted
	}

	w.lease = lease
	w.pos = lease.Start
	w.header = nil
	return StateSearching
}

// searchSafely runs search, turning a panic into a skipped nonce or a
// retried header build. After maxPanics the worker leaves the round.
func (w *Worker) searchSafely() (next State) {
	defer func() {
		if rec := recover(); rec != nil {
			w.panics++
			w.logger.WithError(fmt.Errorf("%v", rec)).Error("worker iteration panicked",
				"nonce", w.pos,
				"panics", w.panics,
			)
			if w.panics >= w.r.maxPanics {
				next = StateFailed
				return
			}
			// a failed header build has not consumed a nonce
			if w.header != nil {
				w.pos++
			}
			next = StateSearching
			if w.pos >= w.lease.End {
				next = StateLeasing
			}
		}
	}()

	return w.search()
}

func (w *Worker) search() State {
	if w.header == nil {
		// a lease never crosses an extranonce boundary
		extra, _ := work.SplitNonce(w.lease.Start)
		w.header = w.r.header(extra)
	}

	for w.pos < w.lease.End {
		if w.r.cancelled() {
			return StateCancelled
		}

		start := w.pos
		end := min(w.pos+w.r.batch, w.lease.End)
		for w.pos < end {
			hash, ok := w.r.eval.Evaluate(w.header, uint32(w.pos))
			if ok {
				w.r.count(w.pos - start + 1)
				if w.r.publish(Candidate{
					TemplateID: w.r.tmpl.ID(),
					Nonce:      w.pos,
					Hash:       hash,
					WorkerID:   w.id,
				}) {
					return StateFound
				}
				// another worker won, or the round was cancelled
				return StateCancelled
			}
			w.pos++
		}
		w.r.count(end - start)
	}
	return StateLeasing
}
