// Package influx writes miner activity to InfluxDB as time-series points.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Client records rounds, submissions and hashrate through the
// non-blocking write API. Points are batched and flushed by the library.
type Client struct {
	client influxdb2.Client
	writer pointWriter
	logger *log.Logger
	host   string
	now    func() time.Time
}

// NewClient connects to InfluxDB and checks its health.
func NewClient(ctx context.Context, cfg *Config, host string, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := health(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(writeAPI, host, logger)
	c.client = client

	go func() {
		for err := range writeAPI.Errors() {
			c.logger.WithError(err).Warn("influx write failed")
		}
	}()
	return c, nil
}

func newClient(w pointWriter, host string, logger *log.Logger) *Client {
	return &Client{
		writer: w,
		logger: logger.WithComponent("influx"),
		host:   host,
		now:    time.Now,
	}
}

func health(ctx context.Context, client influxdb2.Client) error {
	h, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "influx_health", "cannot reach influxdb")
	}
	if h.Status != "pass" {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return errors.Newf(errors.ErrorTypeDatabase, "influx_health", "influxdb health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return health(ctx, c.client)
}

// RecordRound implements session.Recorder.
func (c *Client) RecordRound(_ context.Context, tmpl *work.Template, res miner.RoundResult) {
	tags := map[string]string{
		"host":    c.host,
		"outcome": res.Outcome.String(),
	}
	fields := map[string]any{
		"hashes":      int64(res.Hashes),
		"duration_ms": res.Duration.Milliseconds(),
		"threads":     res.Threads,
		"height":      tmpl.Height(),
		"difficulty":  tmpl.Difficulty(),
		"drained":     res.Drained,
	}
	c.writer.WritePoint(write.NewPoint("rounds", tags, fields, c.now()))
}

// RecordSubmission implements session.Recorder.
func (c *Client) RecordSubmission(_ context.Context, tmpl *work.Template, cand miner.Candidate, res node.SubmitResult, err error) {
	outcome := res.Outcome.String()
	if err != nil {
		outcome = "error"
	}
	tags := map[string]string{
		"host":    c.host,
		"outcome": outcome,
	}
	fields := map[string]any{
		"height":     tmpl.Height(),
		"hash":       cand.Hash.String(),
		"nonce":      strconv.FormatUint(cand.Nonce, 10),
		"reason":     res.Reason,
		"attempts":   res.Attempts,
		"difficulty": tmpl.Difficulty(),
		"count":      1,
	}
	c.writer.WritePoint(write.NewPoint("blocks", tags, fields, c.now()))
}

// RecordHashrate implements session.Recorder.
func (c *Client) RecordHashrate(_ context.Context, hashesPerSecond float64, threads int) {
	tags := map[string]string{"host": c.host}
	fields := map[string]any{
		"hashrate": hashesPerSecond,
		"threads":  threads,
	}
	c.writer.WritePoint(write.NewPoint("hashrate", tags, fields, c.now()))
}
