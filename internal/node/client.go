// Package node owns the conversation with the Bitcoin Core node: fetching
// templates, submitting blocks and watching for new chain tips.
package node

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Outcome is the node's verdict on a submitted block.
type Outcome int

const (
	// Accepted - the block extended the chain
	Accepted Outcome = iota
	// StaleRejected - the node had already moved to another tip
	StaleRejected
	// Rejected - the node refused the block for any other reason
	Rejected
)

// String returns string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case StaleRejected:
		return "stale"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// staleReasons are the BIP 22 reasons meaning the template lost a race.
var staleReasons = map[string]bool{
	"inconclusive":       true,
	"bad-prevblk":        true,
	"stale-prevblk":      true,
	"prev-blk-not-found": true,
	"duplicate":          true,
}

// SubmitResult describes one block submission.
type SubmitResult struct {
	Outcome   Outcome
	Reason    string
	BlockHash chainhash.Hash
	Attempts  int
}

// Config holds node client configuration
type Config struct {
	// Timeout bounds every single RPC call.
	Timeout time.Duration
	// PollInterval is how often the chain tip is checked.
	PollInterval time.Duration
	// TemplateRefresh is the minimum template lifetime.
	TemplateRefresh time.Duration
	// PayoutScript is the coinbase output script.
	PayoutScript []byte

	Retry   *retry.Config
	Submit  *retry.Config
	Breaker *circuit.Config
}

// DefaultConfig returns the node client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		PollInterval:    3 * time.Second,
		TemplateRefresh: 30 * time.Second,
		Retry:           retry.NetworkConfig(),
		Submit:          retry.SubmitConfig(),
		Breaker:         circuit.DefaultConfig(),
	}
}

// Client is the single owner of the node connection.
type Client struct {
	rpc     bitcoin.RPCInterface
	zmq     bitcoin.ZMQInterface
	cfg     Config
	breaker *circuit.Breaker
	logger  *log.Logger
	now     func() time.Time
}

// NewClient creates a node client. zmq may be nil, in which case new tips
// are found by polling only.
func NewClient(rpc bitcoin.RPCInterface, zmq bitcoin.ZMQInterface, cfg Config, logger *log.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	if cfg.Submit == nil {
		cfg.Submit = def.Submit
	}
	if cfg.Breaker == nil {
		cfg.Breaker = def.Breaker
	}

	c := &Client{
		rpc:    rpc,
		zmq:    zmq,
		cfg:    cfg,
		logger: logger.WithComponent("node"),
		now:    time.Now,
	}

	breakerCfg := *cfg.Breaker
	breakerCfg.OnStateChange = func(from, to circuit.State) {
		c.logger.Warn("node circuit breaker changed state", "from", from.String(), "to", to.String())
	}
	c.breaker = circuit.New(&breakerCfg)

	return c
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// withLogging returns a copy of rc that logs each retry.
func (c *Client) withLogging(rc *retry.Config, op string) *retry.Config {
	cp := *rc
	cp.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.WithError(err).Warn("retrying node call",
			"operation", op,
			"attempt", attempt,
			"delay", delay,
		)
	}
	return &cp
}

// call runs fn under the breaker with a per-call timeout, classifying its
// error, and retries unreachable failures according to rc.
func call[T any](ctx context.Context, c *Client, rc *retry.Config, op string, fn func(context.Context) (T, error)) (T, error) {
	return retry.DoWithResult(ctx, c.withLogging(rc, op), func() (T, error) {
		return circuit.ExecuteWithResult(ctx, c.breaker, func() (T, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			v, err := fn(callCtx)
			if err != nil {
				return v, Classify(op, err)
			}
			return v, nil
		})
	})
}

// Ping checks that the node answers and accepts the credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call(ctx, c, c.cfg.Retry, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.rpc.Ping(ctx)
	})
	return err
}

// FetchTemplate requests current work from the node.
func (c *Client) FetchTemplate(ctx context.Context) (*work.Template, error) {
	res, err := call(ctx, c, c.cfg.Retry, "get_block_template", c.rpc.GetBlockTemplate)
	if err != nil {
		return nil, err
	}
	return ParseTemplate(res, c.cfg.PayoutScript, c.cfg.TemplateRefresh, c.now())
}

// Submit assembles the block for search index n and submits it.
func (c *Client) Submit(ctx context.Context, tmpl *work.Template, n uint64) (SubmitResult, error) {
	block, err := tmpl.Block(n)
	if err != nil {
		return SubmitResult{}, err
	}

	res := SubmitResult{BlockHash: block.BlockHash()}
	reason, err := call(ctx, c, c.cfg.Submit, "submit_block", func(ctx context.Context) (string, error) {
		res.Attempts++
		return c.rpc.SubmitBlock(ctx, block, tmpl.WorkID())
	})
	if err != nil {
		return res, err
	}

	res.Reason = reason
	switch {
	case reason == "":
		res.Outcome = Accepted
	case reason == "duplicate" && res.Attempts > 1:
		// an earlier attempt reached the node before timing out
		res.Outcome = Accepted
	case staleReasons[reason]:
		res.Outcome = StaleRejected
	default:
		res.Outcome = Rejected
	}
	return res, nil
}

// Watch reports templates for new chain tips until ctx is done. The
// channel holds only the latest template; an unread one is replaced.
// Tips are detected by polling getbestblockhash and, when configured,
// by ZMQ hashblock notifications.
func (c *Client) Watch(ctx context.Context) <-chan *work.Template {
	out := make(chan *work.Template, 1)
	tips := make(chan string, 1)

	if c.zmq != nil {
		go c.listenZMQ(ctx, tips)
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		var lastTip, lastID string
		check := func(tip string) {
			if tip == "" {
				var err error
				tip, err = c.bestBlockHash(ctx)
				if err != nil {
					c.logger.WithError(err).Debug("tip poll failed")
					return
				}
			}
			if tip == lastTip {
				return
			}

			tmpl, err := c.FetchTemplate(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("failed to fetch template for new tip", "tip", tip)
				return
			}
			lastTip = tip
			if tmpl.ID() == lastID {
				return
			}
			lastID = tmpl.ID()

			c.logger.Info("new chain tip", "tip", tip, "template_id", tmpl.ID())
			offer(out, tmpl)
		}

		check("")
		for {
			select {
			case <-ctx.Done():
				return
			case tip := <-tips:
				check(tip)
			case <-ticker.C:
				check("")
			}
		}
	}()

	return out
}

func (c *Client) bestBlockHash(ctx context.Context) (string, error) {
	rc := *c.cfg.Retry
	rc.MaxAttempts = 1 // the next tick is the retry
	return call(ctx, c, &rc, "get_best_block_hash", c.rpc.GetBestBlockHash)
}

// listenZMQ forwards hashblock notifications to tips. A failed socket
// leaves polling as the only source.
func (c *Client) listenZMQ(ctx context.Context, tips chan string) {
	defer func() {
		if err := c.zmq.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close ZMQ socket")
		}
	}()

	if err := c.zmq.Subscribe(bitcoin.TopicHashBlock); err != nil {
		c.logger.WithError(err).Error("ZMQ subscribe failed, polling only")
		return
	}
	if err := c.zmq.Connect(); err != nil {
		c.logger.WithError(err).Error("ZMQ connect failed, polling only")
		return
	}

	handler := bitcoin.NewBlockNotificationHandler(c.logger, func(hash chainhash.Hash) error {
		offer(tips, hash.String())
		return nil
	})
	if err := c.zmq.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
		c.logger.WithError(err).Error("ZMQ listener stopped, polling only")
	}
}

// offer puts v into a one-slot channel, replacing any unread value.
// It must only be called by the channel's single producer.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
