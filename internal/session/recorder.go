package session

import (
	"context"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
)

// Recorder observes what the session does. Implementations must return
// quickly; the session calls them from its control loop.
type Recorder interface {
	RecordRound(ctx context.Context, tmpl *work.Template, res miner.RoundResult)
	RecordSubmission(ctx context.Context, tmpl *work.Template, cand miner.Candidate, res node.SubmitResult, err error)
	RecordHashrate(ctx context.Context, hashesPerSecond float64, threads int)
}

// Recorders fans every call out to each recorder in order.
type Recorders []Recorder

// RecordRound implements Recorder.
func (rs Recorders) RecordRound(ctx context.Context, tmpl *work.Template, res miner.RoundResult) {
	for _, r := range rs {
		r.RecordRound(ctx, tmpl, res)
	}
}

// RecordSubmission implements Recorder.
func (rs Recorders) RecordSubmission(ctx context.Context, tmpl *work.Template, cand miner.Candidate, res node.SubmitResult, err error) {
	for _, r := range rs {
		r.RecordSubmission(ctx, tmpl, cand, res, err)
	}
}

// RecordHashrate implements Recorder.
func (rs Recorders) RecordHashrate(ctx context.Context, hashesPerSecond float64, threads int) {
	for _, r := range rs {
		r.RecordHashrate(ctx, hashesPerSecond, threads)
	}
}

// Guard claims the right to submit for a template id. A claim that
// returns false means the template was already submitted elsewhere.
type Guard interface {
	Claim(ctx context.Context, templateID string) (bool, error)
}
