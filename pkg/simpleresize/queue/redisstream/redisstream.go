// Package redisstream implements simpleresize.Queue on a Redis Stream consumer
// group. A received entry stays in the group's pending entries list until it
// is acknowledged; entries idle longer than ClaimMinIdle are reclaimed with
// XAUTOCLAIM, which plays the role of a visibility timeout.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

const payloadField = "payload"

// Config options for the stream queue
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// DeadLetterStream receives dead-lettered entries (default Stream + ":dead")
	DeadLetterStream string
	// BlockTimeout bounds how long XREADGROUP waits for new entries (default 5s)
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must stay unacknowledged before another
	// receive reclaims it (default 30s)
	ClaimMinIdle time.Duration
	// MaxLen caps the stream length on Send (approximate trimming; 0 disables)
	MaxLen int64
}

// Queue reads change notifications from a Redis Stream
type Queue struct {
	rc  redis.UniversalClient
	cfg Config
}

// New ensures the consumer group exists and returns the queue
func New(ctx context.Context, rc redis.UniversalClient, cfg Config) (*Queue, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("stream, group and consumer are required")
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dead"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}

	q := &Queue{rc: rc, cfg: cfg}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure Redis group: %w", err)
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	// MKSTREAM lets the group exist before the first entry is added
	err := q.rc.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Receive first reclaims idle pending entries, then reads new ones
func (q *Queue) Receive(ctx context.Context, max int) ([]simpleresize.Delivery, error) {
	if max < 1 {
		max = 1
	}

	claimed, _, err := q.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return q.deliveries(ctx, claimed, true)
	}

	streams, err := q.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(max),
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read group: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return q.deliveries(ctx, msgs, false)
}

func (q *Queue) deliveries(ctx context.Context, msgs []redis.XMessage, claimed bool) ([]simpleresize.Delivery, error) {
	now := time.Now()
	out := make([]simpleresize.Delivery, 0, len(msgs))
	for _, m := range msgs {
		attempt := 1
		if claimed {
			attempt = q.deliveryCount(ctx, m.ID)
		}
		raw, _ := m.Values[payloadField].(string)
		out = append(out, simpleresize.Delivery{
			MessageID:     m.ID,
			ReceiptHandle: m.ID,
			Body:          []byte(raw),
			Attempt:       attempt,
			ReceivedAt:    now,
		})
	}
	return out, nil
}

// deliveryCount reads the group's delivery counter for id; XAUTOCLAIM has
// already incremented it for the current receive
func (q *Queue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 || pending[0].RetryCount < 1 {
		return 2
	}
	return int(pending[0].RetryCount)
}

// Ack acknowledges and deletes the entry
func (q *Queue) Ack(ctx context.Context, d simpleresize.Delivery) error {
	pipe := q.rc.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ReceiptHandle)
	pipe.XDel(ctx, q.cfg.Stream, d.ReceiptHandle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.MessageID, err)
	}
	return nil
}

// Abandon leaves the entry pending; it is reclaimed after ClaimMinIdle
func (q *Queue) Abandon(ctx context.Context, d simpleresize.Delivery) error {
	return nil
}

// DeadLetter appends the entry to the dead-letter stream and acknowledges it
func (q *Queue) DeadLetter(ctx context.Context, d simpleresize.Delivery, reason string) error {
	pipe := q.rc.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		Values: map[string]any{
			payloadField: string(d.Body),
			"reason":     reason,
			"source_id":  d.MessageID,
			"attempt":    d.Attempt,
		},
	})
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ReceiptHandle)
	pipe.XDel(ctx, q.cfg.Stream, d.ReceiptHandle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", d.MessageID, err)
	}
	return nil
}

// Send appends body to the stream
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: string(body)},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	return q.rc.XAdd(ctx, args).Result()
}

// Close closes the Redis client
func (q *Queue) Close() error {
	return q.rc.Close()
}

var _ simpleresize.Queue = (*Queue)(nil)
