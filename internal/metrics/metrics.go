// Package metrics exposes miner activity as Prometheus metrics.
package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const namespace = "gominer"

// Recorder keeps counters and gauges on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	rounds         *prometheus.CounterVec
	hashes         prometheus.Counter
	roundDuration  prometheus.Histogram
	submissions    *prometheus.CounterVec
	hashrate       prometheus.Gauge
	threads        prometheus.Gauge
	templateHeight prometheus.Gauge
	difficulty     prometheus.Gauge
}

// NewRecorder creates a recorder with every metric registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Mining rounds by outcome",
		}, []string{"outcome"}),
		hashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_total",
			Help:      "Header hashes evaluated",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a mining round",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Block submissions by outcome",
		}, []string{"outcome"}),
		hashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hashrate",
			Help:      "Hashes per second over the last stats interval",
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threads",
			Help:      "Worker threads in use",
		}),
		templateHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "template_height",
			Help:      "Height of the last mined template",
		}),
		difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "template_difficulty",
			Help:      "Difficulty of the last mined template",
		}),
	}

	r.registry.MustRegister(
		r.rounds,
		r.hashes,
		r.roundDuration,
		r.submissions,
		r.hashrate,
		r.threads,
		r.templateHeight,
		r.difficulty,
	)
	return r
}

// Registry returns the registry the metrics live on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordRound implements session.Recorder.
func (r *Recorder) RecordRound(_ context.Context, tmpl *work.Template, res miner.RoundResult) {
	r.rounds.WithLabelValues(res.Outcome.String()).Inc()
	r.hashes.Add(float64(res.Hashes))
	r.roundDuration.Observe(res.Duration.Seconds())
	r.templateHeight.Set(float64(tmpl.Height()))
	r.difficulty.Set(tmpl.Difficulty())
}

// RecordSubmission implements session.Recorder.
func (r *Recorder) RecordSubmission(_ context.Context, _ *work.Template, _ miner.Candidate, res node.SubmitResult, err error) {
	outcome := res.Outcome.String()
	if err != nil {
		outcome = "error"
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

// RecordHashrate implements session.Recorder.
func (r *Recorder) RecordHashrate(_ context.Context, hashesPerSecond float64, threads int) {
	r.hashrate.Set(hashesPerSecond)
	r.threads.Set(float64(threads))
}

// HealthCheck reports a dependency problem for /healthz.
type HealthCheck func(ctx context.Context) error

// healthTimeout bounds all checks of one /healthz request.
const healthTimeout = 2 * time.Second

// Server serves /metrics and /healthz until its context ends.
type Server struct {
	srv    *http.Server
	checks []HealthCheck
	logger *log.Logger
}

// NewServer creates a server for r on addr. /healthz answers 503 while any
// of checks fails.
func NewServer(addr string, r *Recorder, logger *log.Logger, checks ...HealthCheck) *Server {
	s := &Server{
		checks: checks,
		logger: logger.WithComponent("metrics"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", s.healthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
	defer cancel()

	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.WithError(err).Warn("health check failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Serve blocks until ctx is done, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeNetwork, "metrics_serve", "metrics listener failed").
			WithContext("addr", s.srv.Addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "metrics_shutdown", "metrics server shutdown failed")
	}
	return nil
}
