package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lsst-dm/dmcs/pkg/log"
	"github.com/lsst-dm/dmcs/pkg/messages"
	"github.com/lsst-dm/dmcs/pkg/metrics"
)

const (
	connectAttempts = 3
	connectBackoff  = 2 * time.Second
	publishAttempts = 3
)

// AMQPBus is the broker-backed transport. One connection per process;
// a shared channel for publishing and one channel per consumer.
type AMQPBus struct {
	url    string
	logger zerolog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// Connect dials the broker, retrying a bounded number of times before
// surfacing ErrUnavailable.
func Connect(url string) (*AMQPBus, error) {
	b := &AMQPBus{
		url:    url,
		logger: log.WithComponent("transport"),
	}

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = b.dial(); err == nil {
			return b, nil
		}
		b.logger.Warn().Err(err).Int("attempt", attempt).Msg("broker connect failed")
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
}

func (b *AMQPBus) dial() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()
	return nil
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	return nil
}

func declareAndBind(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}

// Publish encodes a body as YAML and sends it to the direct exchange
// with the queue name as routing key. Connection loss triggers a
// reconnect-and-retry; ErrUnavailable is returned only after the
// retries are exhausted.
func (b *AMQPBus) Publish(queue string, body messages.Body) error {
	data, err := messages.Encode(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if lastErr = b.publishOnce(queue, data); lastErr == nil {
			metrics.MessagesPublished.WithLabelValues(queue).Inc()
			return nil
		}
		b.logger.Warn().Err(lastErr).Str("queue", queue).Int("attempt", attempt).Msg("publish failed, reconnecting")
		if err := b.dial(); err != nil {
			b.logger.Warn().Err(err).Msg("reconnect failed")
		}
	}
	return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, queue, lastErr)
}

func (b *AMQPBus) publishOnce(queue string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil {
		return fmt.Errorf("publish channel not open")
	}
	return b.pubCh.PublishWithContext(context.Background(), Exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/yaml",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}

type amqpSubscription struct {
	queue string
	tag   string
	ch    *amqp.Channel
	done  chan struct{}
	once  sync.Once
}

func (s *amqpSubscription) Queue() string        { return s.queue }
func (s *amqpSubscription) Done() <-chan struct{} { return s.done }

func (s *amqpSubscription) Cancel() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Cancel(s.tag, false)
		s.ch.Close()
	})
	return err
}

// Consume starts a long-lived consumer on a durable queue. Each
// delivery is decoded, handed to the handler, then acknowledged;
// undecodable payloads are dropped without requeue. Unacked deliveries
// are redelivered by the broker on reconnect.
func (b *AMQPBus) Consume(queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrUnavailable)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel for %s: %w", queue, err)
	}
	if err := declareAndBind(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}

	tag := fmt.Sprintf("dmcs-%s-%s", queue, uuid.NewString())
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	sub := &amqpSubscription{
		queue: queue,
		tag:   tag,
		ch:    ch,
		done:  make(chan struct{}),
	}

	logger := log.WithQueue(queue)
	go func() {
		defer close(sub.done)
		for d := range deliveries {
			body, err := messages.Decode(d.Body)
			if err != nil {
				logger.Error().Err(err).Msg("dropping undecodable message")
				d.Nack(false, false)
				continue
			}
			invoke(logger, handler, body)
			d.Ack(false)
		}
	}()

	return sub, nil
}

// invoke shields the consumer loop from handler panics. Handlers never
// crash the process.
func invoke(logger zerolog.Logger, handler Handler, body messages.Body) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("msg_type", body.Type()).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	handler(body)
}

// Close shuts down the publish channel and the broker connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
		b.pubCh = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
