// Package messaging publishes miner events to Kafka as protobuf messages.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/node"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// queueSize bounds the events waiting for the writer.
const queueSize = 256

// defaultCloseTimeout bounds how long Close keeps flushing the queue.
const defaultCloseTimeout = 3 * time.Second

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements session.Recorder on top of a Kafka topic. Record
// calls only enqueue; a background goroutine does the writing and drops
// events when the queue is full.
type Publisher struct {
	topic          string
	host           string
	writer         messageWriter
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	now            func() time.Time
	closeTimeout   time.Duration

	// ctx is cancelled when Close gives up on the queue
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	queue  chan *Event
	done   chan struct{}
}

// NewPublisher creates a publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic, host string, logger *log.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	p := newPublisher(writer, topic, host, logger)
	p.logger.Info("created Kafka producer", "topic", topic, "brokers", brokers)
	return p
}

func newPublisher(w messageWriter, topic, host string, logger *log.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		ctx:    ctx,
		cancel: cancel,
		topic:  topic,
		host:   host,
		writer: w,
		logger: logger.WithComponent("events"),
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			IsFailure: func(err error) bool {
				return errors.HasType(err, errors.ErrorTypeKafka)
			},
		}),
		retryConfig:  retry.NetworkConfig(),
		now:          time.Now,
		closeTimeout: defaultCloseTimeout,
		queue:        make(chan *Event, queueSize),
		done:         make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer close(p.done)

	dropped := 0
	for ev := range p.queue {
		if p.ctx.Err() != nil {
			dropped++
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		if err := p.Publish(ctx, ev); err != nil {
			p.logger.WithError(err).Warn("failed to publish event", "type", ev.Type)
		}
		cancel()
	}
	if dropped > 0 {
		p.logger.Warn("dropped unsent events at shutdown", "count", dropped)
	}
}

// Publish writes one event and waits for the broker.
func (p *Publisher) Publish(ctx context.Context, ev *Event) error {
	msg, err := ev.Proto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_convert",
			"failed to convert event").WithContext("type", ev.Type)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", p.topic).
			WithContext("type", ev.Type)
	}

	key := ev.Key()
	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			kafkaMsg := kafka.Message{
				Key:     []byte(key),
				Value:   data,
				Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
				Time:    ev.At,
			}

			if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", p.topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published message", "topic", p.topic, "key", key, "size", len(data))
			return nil
		})
	})
}

func (p *Publisher) enqueue(ev *Event) {
	ev.Host = p.host
	ev.At = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// RecordRound implements session.Recorder.
func (p *Publisher) RecordRound(_ context.Context, tmpl *work.Template, res miner.RoundResult) {
	p.enqueue(&Event{
		Type:       EventRound,
		TemplateID: tmpl.ID(),
		Height:     tmpl.Height(),
		Outcome:    res.Outcome.String(),
		Hashes:     res.Hashes,
		Duration:   res.Duration,
		Threads:    res.Threads,
	})
}

// RecordSubmission implements session.Recorder.
func (p *Publisher) RecordSubmission(_ context.Context, tmpl *work.Template, cand miner.Candidate, res node.SubmitResult, err error) {
	ev := &Event{
		Type:       EventSubmission,
		TemplateID: tmpl.ID(),
		Height:     tmpl.Height(),
		Outcome:    res.Outcome.String(),
		Reason:     res.Reason,
		BlockHash:  cand.Hash.String(),
		Nonce:      cand.Nonce,
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Reason = err.Error()
	}
	p.enqueue(ev)
}

// RecordHashrate implements session.Recorder.
func (p *Publisher) RecordHashrate(_ context.Context, hashesPerSecond float64, threads int) {
	p.enqueue(&Event{
		Type:     EventHashrate,
		Hashrate: hashesPerSecond,
		Threads:  threads,
	})
}

// Close publishes what is queued within closeTimeout, drops the rest and
// closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	timer := time.NewTimer(p.closeTimeout)
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("event flush timed out", "timeout", p.closeTimeout)
		p.cancel()
		<-p.done
	}
	timer.Stop()
	p.cancel()

	if err := p.writer.Close(); err != nil {
		p.logger.WithError(err).Error("failed to close producer", "topic", p.topic)
		return errors.Wrap(err, errors.ErrorTypeKafka, "close_producer", "failed to close Kafka producer")
	}
	return nil
}
