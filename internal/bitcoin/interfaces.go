package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
)

// RPCInterface is the subset of Bitcoin Core JSON-RPC the miner speaks.
// The node client depends on it so tests can substitute a fake node.
type RPCInterface interface {
	// GetBlockTemplate retrieves a block template for mining.
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)

	// GetBestBlockHash returns the hash of the current best block.
	GetBestBlockHash(ctx context.Context) (string, error)

	// SubmitBlock submits a solved block with the template's workid and
	// returns the BIP 22 refusal reason, empty when accepted.
	SubmitBlock(ctx context.Context, block *wire.MsgBlock, workID string) (string, error)

	// Ping tests connectivity to Bitcoin Core.
	Ping(ctx context.Context) error

	// Close shuts down the client.
	Close()
}

// ZMQInterface defines the contract for Bitcoin Core ZMQ notifications.
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// Compile-time interface compliance checks
var (
	_ RPCInterface = (*RPCClient)(nil)
	_ ZMQInterface = (*ZMQNotifier)(nil)
)
