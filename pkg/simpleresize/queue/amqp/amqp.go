// Package amqp implements simpleresize.Queue on a RabbitMQ queue. Deliveries
// are consumed with manual acknowledgement. Abandoned deliveries are
// republished with an incremented attempt header so the count survives on
// classic queues, which do not track redeliveries. The republish goes to a
// retry queue with a per-message TTL; expired messages are dead-lettered by
// the broker back onto the work queue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

const (
	attemptHeader = "x-resize-attempt"
	reasonHeader  = "x-dead-letter-reason"
)

// Config options for the RabbitMQ queue
type Config struct {
	URL   string
	Queue string
	// DeadLetterQueue receives dead-lettered messages (default Queue + ".dead")
	DeadLetterQueue string
	// Prefetch bounds unacknowledged deliveries held by this consumer (default 1)
	Prefetch int
	// WaitTime bounds how long Receive blocks when nothing is delivered (default 1s)
	WaitTime time.Duration
	// ConnectTimeout bounds connection retries at startup (default 1m)
	ConnectTimeout time.Duration
	// RetryDelay is how long an abandoned message waits before it is
	// delivered again (default 30s)
	RetryDelay time.Duration
	// RetryQueue holds abandoned messages until RetryDelay expires (default Queue + ".retry")
	RetryQueue string
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Queue consumes change notifications from RabbitMQ
type Queue struct {
	cfg        Config
	conn       *amqp.Connection
	channel    *amqp.Channel
	pub        publisher
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]amqp.Delivery
}

// New connects, declares the work and dead-letter queues and starts consuming
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("URL and queue are required")
	}
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := connectWithRetry(ctx, cfg.URL, cfg.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	declare := []struct {
		name string
		args amqp.Table
	}{
		{cfg.Queue, nil},
		{cfg.DeadLetterQueue, nil},
		{cfg.RetryQueue, retryQueueArgs(cfg)},
	}
	for _, d := range declare {
		if _, err := channel.QueueDeclare(
			d.name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			d.args,
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", d.name, err)
		}
	}

	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := channel.Consume(
		cfg.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("connected to RabbitMQ", "queue", cfg.Queue, "prefetch", cfg.Prefetch, "retry_delay", cfg.RetryDelay)

	q := newQueue(cfg, channel, deliveries, logger)
	q.conn = conn
	q.channel = channel
	return q, nil
}

func newQueue(cfg Config, pub publisher, deliveries <-chan amqp.Delivery, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:        withDefaults(cfg),
		pub:        pub,
		deliveries: deliveries,
		logger:     logger,
		inflight:   make(map[string]amqp.Delivery),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = cfg.Queue + ".dead"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.RetryQueue == "" {
		cfg.RetryQueue = cfg.Queue + ".retry"
	}
	return cfg
}

// retryQueueArgs routes expired messages of the retry queue back to the work
// queue through the default exchange
func retryQueueArgs(cfg Config) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.Queue,
	}
}

// connectWithRetry dials with exponential backoff until timeout
func connectWithRetry(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("failed to connect to RabbitMQ, retrying", "err", err, "retry_in", next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// Receive waits up to WaitTime for the first delivery, then drains whatever
// else is already buffered, up to max
func (q *Queue) Receive(ctx context.Context, max int) ([]simpleresize.Delivery, error) {
	if max < 1 {
		max = 1
	}

	timer := time.NewTimer(q.cfg.WaitTime)
	defer timer.Stop()

	var out []simpleresize.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, errors.New("delivery channel closed")
		}
		out = append(out, q.track(d))
	}

	for len(out) < max {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, q.track(d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *Queue) track(d amqp.Delivery) simpleresize.Delivery {
	handle := strconv.FormatUint(d.DeliveryTag, 10)

	q.mu.Lock()
	q.inflight[handle] = d
	q.mu.Unlock()

	id := d.MessageId
	if id == "" {
		id = handle
	}
	return simpleresize.Delivery{
		MessageID:     id,
		ReceiptHandle: handle,
		Body:          d.Body,
		Attempt:       attemptOf(d),
		ReceivedAt:    time.Now(),
	}
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	// quorum queues count redeliveries themselves
	if v, ok := d.Headers["x-delivery-count"].(int64); ok {
		return int(v) + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (q *Queue) release(handle string) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.inflight[handle]
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("unknown delivery tag %s", handle)
	}
	delete(q.inflight, handle)
	return d, nil
}

// Ack acknowledges the delivery
func (q *Queue) Ack(ctx context.Context, d simpleresize.Delivery) error {
	raw, err := q.release(d.ReceiptHandle)
	if err != nil {
		return err
	}
	return raw.Ack(false)
}

// Abandon parks the message on the retry queue with the next attempt number
// and acknowledges the original. The broker moves it back to the work queue
// once RetryDelay has passed.
func (q *Queue) Abandon(ctx context.Context, d simpleresize.Delivery) error {
	raw, err := q.release(d.ReceiptHandle)
	if err != nil {
		return err
	}

	msg := republish(raw)
	msg.Headers[attemptHeader] = int64(d.Attempt + 1)
	msg.Expiration = strconv.FormatInt(q.cfg.RetryDelay.Milliseconds(), 10)
	if err := q.pub.PublishWithContext(ctx, "", q.cfg.RetryQueue, false, false, msg); err != nil {
		// fall back to broker requeue; the attempt count is lost but the message is not
		if nackErr := raw.Nack(false, true); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return fmt.Errorf("failed to republish, requeued instead: %w", err)
	}
	return raw.Ack(false)
}

// DeadLetter publishes the message to the dead-letter queue and acknowledges the original
func (q *Queue) DeadLetter(ctx context.Context, d simpleresize.Delivery, reason string) error {
	raw, err := q.release(d.ReceiptHandle)
	if err != nil {
		return err
	}

	msg := republish(raw)
	msg.Headers[attemptHeader] = int64(d.Attempt)
	msg.Headers[reasonHeader] = reason
	if err := q.pub.PublishWithContext(ctx, "", q.cfg.DeadLetterQueue, false, false, msg); err != nil {
		// reject without requeue so a broker-side dead-letter exchange can take it
		if nackErr := raw.Nack(false, false); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return fmt.Errorf("failed to publish to dead-letter queue: %w", err)
	}
	return raw.Ack(false)
}

// Send publishes body to the work queue
func (q *Queue) Send(ctx context.Context, body []byte) error {
	return q.pub.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Close closes the channel and the connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func republish(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.Timestamp,
	}
}

var _ simpleresize.Queue = (*Queue)(nil)
