package amqp

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type published struct {
	key string
	msg amqp.Publishing
}

type fakePublisher struct {
	out []published
	err error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{key: key, msg: msg})
	return nil
}

func setup(t *testing.T, deliveries ...amqp.Delivery) (*Queue, *fakeAcker, *fakePublisher) {
	t.Helper()
	acker := &fakeAcker{}
	pub := &fakePublisher{}
	ch := make(chan amqp.Delivery, len(deliveries))
	for _, d := range deliveries {
		d.Acknowledger = acker
		ch <- d
	}
	q := newQueue(Config{Queue: "uploads", WaitTime: 20 * time.Millisecond}, pub, ch, slog.Default())
	return q, acker, pub
}

func TestQueue_ReceiveDrainsBuffered(t *testing.T) {
	q, _, _ := setup(t,
		amqp.Delivery{DeliveryTag: 1, MessageId: "a", Body: []byte("1")},
		amqp.Delivery{DeliveryTag: 2, Body: []byte("2"), Redelivered: true},
		amqp.Delivery{DeliveryTag: 3, Body: []byte("3"), Headers: amqp.Table{attemptHeader: int64(4)}},
	)

	got, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].MessageID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "2", got[1].MessageID, "delivery tag stands in for a missing message id")
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, 4, got[2].Attempt)
}

func TestQueue_ReceiveTimesOut(t *testing.T) {
	q, _, _ := setup(t)
	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueue_Ack(t *testing.T) {
	q, acker, _ := setup(t, amqp.Delivery{DeliveryTag: 7, Body: []byte("x")})
	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.Ack(context.Background(), got[0]))
	assert.Equal(t, []uint64{7}, acker.acked)
	assert.Error(t, q.Ack(context.Background(), got[0]), "tag is released after the first ack")
}

func TestQueue_AbandonRepublishesWithNextAttempt(t *testing.T) {
	q, acker, pub := setup(t, amqp.Delivery{DeliveryTag: 9, MessageId: "m", Body: []byte("x")})
	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.Abandon(context.Background(), got[0]))
	require.Len(t, pub.out, 1)
	assert.Equal(t, "uploads.retry", pub.out[0].key, "abandoned messages wait on the retry queue")
	assert.Equal(t, "30000", pub.out[0].msg.Expiration)
	assert.Equal(t, int64(2), pub.out[0].msg.Headers[attemptHeader])
	assert.Equal(t, "m", pub.out[0].msg.MessageId)
	assert.Equal(t, []uint64{9}, acker.acked)
}

func TestQueue_AbandonAppliesRetryDelay(t *testing.T) {
	acker := &fakeAcker{}
	pub := &fakePublisher{}
	ch := make(chan amqp.Delivery, 1)
	ch <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 4, Body: []byte("x"), Headers: amqp.Table{attemptHeader: int64(2)}}
	q := newQueue(Config{
		Queue:      "uploads",
		RetryDelay: 1500 * time.Millisecond,
		RetryQueue: "uploads.wait",
		WaitTime:   20 * time.Millisecond,
	}, pub, ch, slog.Default())

	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, q.Abandon(context.Background(), got[0]))

	require.Len(t, pub.out, 1)
	assert.Equal(t, "uploads.wait", pub.out[0].key)
	assert.Equal(t, "1500", pub.out[0].msg.Expiration)
	assert.Equal(t, int64(3), pub.out[0].msg.Headers[attemptHeader])
}

func TestRetryQueueRoutesBackToWorkQueue(t *testing.T) {
	cfg := withDefaults(Config{Queue: "uploads"})
	assert.Equal(t, "uploads.retry", cfg.RetryQueue)
	assert.Equal(t, 30*time.Second, cfg.RetryDelay)

	args := retryQueueArgs(cfg)
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "uploads", args["x-dead-letter-routing-key"])
}

func TestQueue_AbandonFallsBackToRequeue(t *testing.T) {
	q, acker, pub := setup(t, amqp.Delivery{DeliveryTag: 9, Body: []byte("x")})
	pub.err = errors.New("channel closed")
	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	err = q.Abandon(context.Background(), got[0])
	assert.Error(t, err)
	assert.Equal(t, []uint64{9}, acker.nacked)
	assert.Equal(t, []bool{true}, acker.requeue)
}

func TestQueue_DeadLetter(t *testing.T) {
	q, acker, pub := setup(t, amqp.Delivery{DeliveryTag: 3, Body: []byte("poison")})
	got, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(context.Background(), got[0], "retries exhausted"))
	require.Len(t, pub.out, 1)
	assert.Equal(t, "uploads.dead", pub.out[0].key)
	assert.Equal(t, "retries exhausted", pub.out[0].msg.Headers[reasonHeader])
	assert.Equal(t, []byte("poison"), pub.out[0].msg.Body)
	assert.Equal(t, []uint64{3}, acker.acked)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.EqualError(t, err, "URL and queue are required")
}
