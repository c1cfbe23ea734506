package bitcoin

import (
	"context"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// TopicHashBlock is the Bitcoin Core ZMQ topic announcing a new chain tip.
const TopicHashBlock = "hashblock"

// zmqPollTimeout bounds each blocking receive so Listen notices ctx.
const zmqPollTimeout = 250 * time.Millisecond

// ZMQNotifier is a SUB socket on a Bitcoin Core zmqpub endpoint.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates the socket. Nothing is dialled until Connect.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.SetRcvtimeo(zmqPollTimeout); err != nil {
		socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "zmq_socket", "failed to set ZMQ receive timeout")
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq").WithFields("endpoint", endpoint),
	}, nil
}

// Subscribe adds a topic filter.
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "zmq_subscribe", "failed to subscribe to topic "+topic)
	}
	z.logger.Debug("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect dials the endpoint. ZMQ reconnects on its own after this.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUnreachable, "zmq_connect", "failed to connect to ZMQ endpoint")
	}
	z.logger.Info("connected to ZMQ endpoint")
	return nil
}

// Listen receives messages until ctx is done. Receives block for at most
// zmqPollTimeout so the loop does not spin on an idle socket.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			z.logger.Debug("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Warn("failed to receive ZMQ message")
			continue
		}

		// topic, body, sequence number
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Warn("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the socket.
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns hashblock messages into tip callbacks.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(hash chainhash.Hash) error
}

// NewBlockNotificationHandler creates a handler calling onNewBlock for
// every well-formed hashblock message.
func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(hash chainhash.Hash) error) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger,
		onNewBlock: onNewBlock,
	}
}

// HandleMessage is a Listen handler. Other topics are ignored.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		return nil
	}

	hash, err := DecodeHashBlock(data)
	if err != nil {
		return err
	}
	h.logger.Debug("hashblock notification", "hash", hash.String())

	if h.onNewBlock != nil {
		return h.onNewBlock(hash)
	}
	return nil
}

// DecodeHashBlock parses a hashblock body. Bitcoin Core publishes the hash
// in display order, the reverse of chainhash's internal order.
func DecodeHashBlock(data []byte) (chainhash.Hash, error) {
	var hash chainhash.Hash
	if len(data) != chainhash.HashSize {
		return hash, errors.Newf(errors.ErrorTypeMalformed, "zmq_hashblock", "invalid block hash length: %d", len(data))
	}
	for i := range data {
		hash[i] = data[chainhash.HashSize-1-i]
	}
	return hash, nil
}
