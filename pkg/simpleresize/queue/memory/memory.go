// Package memory provides an in-process Queue with visibility-timeout
// redelivery and a dead-letter list. It backs the local CLI and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// ErrStaleReceipt is returned when a receipt handle no longer identifies an
// in-flight delivery, for example after the visibility timeout expired and the
// message was received again
var ErrStaleReceipt = errors.New("stale receipt handle")

// Config tunes redelivery
type Config struct {
	// VisibilityTimeout hides a received message until it is acked or the
	// timeout lapses (default 30s)
	VisibilityTimeout time.Duration
	// RetryDelay hides an abandoned message before it becomes visible again (default 0)
	RetryDelay time.Duration
	// WaitTime bounds how long Receive blocks when the queue is empty (default 1s)
	WaitTime time.Duration
}

type message struct {
	id             string
	body           []byte
	receiveCount   int
	receipt        string
	invisibleUntil time.Time
	sentAt         time.Time
}

// DeadLetter is a message routed to the dead-letter list
type DeadLetter struct {
	MessageID string
	Body      []byte
	Attempt   int
	Reason    string
}

// Queue is an in-memory implementation of simpleresize.Queue
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	messages []*message
	dead     []DeadLetter
	closed   bool
	wake     chan struct{}
	now      func() time.Time
}

// New creates an empty queue
func New(cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = time.Second
	}
	return &Queue{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Send enqueues body and returns its message ID
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", errors.New("queue closed")
	}
	msg := &message{
		id:     uuid.NewString(),
		body:   append([]byte(nil), body...),
		sentAt: q.now(),
	}
	q.messages = append(q.messages, msg)
	q.signal()
	return msg.id, nil
}

// Receive returns up to max visible messages, blocking up to WaitTime
func (q *Queue) Receive(ctx context.Context, max int) ([]simpleresize.Delivery, error) {
	if max < 1 {
		max = 1
	}
	deadline := q.now().Add(q.cfg.WaitTime)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errors.New("queue closed")
		}
		now := q.now()
		deliveries := q.take(now, max)
		nextVisible := q.nextVisible(now)
		q.mu.Unlock()

		if len(deliveries) > 0 {
			return deliveries, nil
		}

		wait := deadline.Sub(now)
		if wait <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() && nextVisible.Sub(now) < wait {
			wait = nextVisible.Sub(now)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take marks up to max visible messages as in flight; q.mu must be held
func (q *Queue) take(now time.Time, max int) []simpleresize.Delivery {
	var out []simpleresize.Delivery
	for _, m := range q.messages {
		if len(out) == max {
			break
		}
		if now.Before(m.invisibleUntil) {
			continue
		}
		m.receiveCount++
		m.receipt = fmt.Sprintf("%s#%d", m.id, m.receiveCount)
		m.invisibleUntil = now.Add(q.cfg.VisibilityTimeout)
		out = append(out, simpleresize.Delivery{
			MessageID:     m.id,
			ReceiptHandle: m.receipt,
			Body:          append([]byte(nil), m.body...),
			Attempt:       m.receiveCount,
			ReceivedAt:    now,
		})
	}
	return out
}

func (q *Queue) nextVisible(now time.Time) time.Time {
	var next time.Time
	for _, m := range q.messages {
		if m.invisibleUntil.After(now) && (next.IsZero() || m.invisibleUntil.Before(next)) {
			next = m.invisibleUntil
		}
	}
	return next
}

// Ack removes the delivery
func (q *Queue) Ack(ctx context.Context, d simpleresize.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.find(d)
	if err != nil {
		return err
	}
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return nil
}

// Abandon makes the delivery visible again after RetryDelay
func (q *Queue) Abandon(ctx context.Context, d simpleresize.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.find(d)
	if err != nil {
		return err
	}
	q.messages[i].invisibleUntil = q.now().Add(q.cfg.RetryDelay)
	q.messages[i].receipt = ""
	q.signal()
	return nil
}

// DeadLetter moves the delivery to the dead-letter list
func (q *Queue) DeadLetter(ctx context.Context, d simpleresize.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.find(d)
	if err != nil {
		return err
	}
	m := q.messages[i]
	q.dead = append(q.dead, DeadLetter{
		MessageID: m.id,
		Body:      m.body,
		Attempt:   m.receiveCount,
		Reason:    reason,
	})
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return nil
}

// Close stops the queue; pending Receive calls return an error
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

// Len returns the number of messages not yet acked or dead-lettered
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Dead returns the dead-lettered messages
func (q *Queue) Dead() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *Queue) find(d simpleresize.Delivery) (int, error) {
	for i, m := range q.messages {
		if m.id == d.MessageID {
			if m.receipt == "" || m.receipt != d.ReceiptHandle {
				return -1, fmt.Errorf("%w: %s", ErrStaleReceipt, d.ReceiptHandle)
			}
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: message %s not in flight", ErrStaleReceipt, d.MessageID)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

var _ simpleresize.Queue = (*Queue)(nil)
