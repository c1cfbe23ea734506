package bitcoin

import (
	"context"
	"errors"
	"regexp"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// TemplateRules are the softfork rules the miner signals support for.
var TemplateRules = []string{"segwit"}

// bip22Reason matches the short reason tokens submitblock returns on refusal.
var bip22Reason = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// RPCConfig holds the connection settings for Bitcoin Core.
type RPCConfig struct {
	Address  string // host:port
	User     string
	Password string
	// Cookie is the path of Bitcoin Core's .cookie file, used when
	// Password is empty.
	Cookie string
}

// RPCClient is a thin JSON-RPC transport to Bitcoin Core built on btcd's
// rpcclient. It performs no retries; callers decide the policy.
type RPCClient struct {
	client *rpcclient.Client
}

// NewRPCClient creates a client in HTTP POST mode. No connection is made
// until the first call.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Address,
		User:         cfg.User,
		Pass:         cfg.Password,
		CookiePath:   cfg.Cookie,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // Bitcoin Core does not serve TLS
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	return &RPCClient{client: client}, nil
}

// Close gracefully shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// receive waits for a btcd future while honouring ctx. btcd futures cannot
// be cancelled, so an abandoned call finishes in the background.
func receive[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetBlockTemplate retrieves a block template from Bitcoin Core.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	req := &btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
		Rules:        TemplateRules,
	}
	future := c.client.GetBlockTemplateAsync(req)
	return receive(ctx, future.Receive)
}

// GetBestBlockHash returns the hash of the current chain tip.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	future := c.client.GetBestBlockHashAsync()
	hash, err := receive(ctx, future.Receive)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// SubmitBlock submits a solved block, echoing the template's workid when
// the node sent one. A nil error with an empty reason means the block was
// accepted; a non-empty reason is the node's BIP 22 refusal.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock, workID string) (string, error) {
	var opts *btcjson.SubmitBlockOptions
	if workID != "" {
		opts = &btcjson.SubmitBlockOptions{WorkID: workID}
	}
	future := c.client.SubmitBlockAsync(btcutil.NewBlock(block), opts)
	_, err := receive(ctx, func() (struct{}, error) {
		return struct{}{}, future.Receive()
	})
	if err == nil {
		return "", nil
	}

	// btcd turns a non-null submitblock result into a bare error holding
	// the reason string.
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) && bip22Reason.MatchString(err.Error()) {
		return err.Error(), nil
	}
	return "", err
}

// Ping tests connectivity to Bitcoin Core.
func (c *RPCClient) Ping(ctx context.Context) error {
	future := c.client.PingAsync()
	_, err := receive(ctx, func() (struct{}, error) {
		return struct{}{}, future.Receive()
	})
	return err
}
