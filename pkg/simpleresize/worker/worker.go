// Package worker drives a Processor from a Queue. Each delivery runs as an
// independent task on a bounded pool; tasks share no mutable state beyond the
// collaborators they were given.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	"golang.org/x/sync/errgroup"
)

// Handler decides the disposition of one delivery. *simpleresize.Processor implements it.
type Handler interface {
	Handle(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome
}

// Config tunes the runner
type Config struct {
	// Concurrency bounds tasks in flight (default 4)
	Concurrency int
	// BatchSize is the receive batch size (default Concurrency)
	BatchSize int
	// TaskTimeout is the time budget of one delivery (default 5m). A task that
	// exceeds it fails with a retryable error and the delivery is abandoned.
	TaskTimeout time.Duration
	// SettleTimeout bounds retries of Ack/Abandon/DeadLetter calls (default 30s)
	SettleTimeout time.Duration
	// MaxPollInterval caps the backoff between failed receives (default 30s)
	MaxPollInterval time.Duration
}

// Runner polls the queue and hands deliveries to the handler
type Runner struct {
	queue   simpleresize.Queue
	handler Handler
	cfg     Config
	logger  *slog.Logger

	ready     atomic.Bool
	processed atomic.Int64
}

// New creates a runner
func New(queue simpleresize.Queue, handler Handler, cfg Config, logger *slog.Logger) (*Runner, error) {
	if queue == nil {
		return nil, simpleresize.NewConfigError("queue", "is required")
	}
	if handler == nil {
		return nil, simpleresize.NewConfigError("handler", "is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{queue: queue, handler: handler, cfg: cfg, logger: logger}, nil
}

// Ready reports whether the last receive succeeded
func (r *Runner) Ready() bool {
	return r.ready.Load()
}

// Processed returns the number of settled deliveries
func (r *Runner) Processed() int64 {
	return r.processed.Load()
}

// Run polls until ctx is canceled, then waits for in-flight tasks to finish.
// In-flight tasks are not canceled with ctx; they stop at their TaskTimeout.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", "concurrency", r.cfg.Concurrency, "batch_size", r.cfg.BatchSize)

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = r.cfg.MaxPollInterval
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		deliveries, err := r.queue.Receive(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.ready.Store(false)
			wait := bo.NextBackOff()
			r.logger.Error("receive failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		r.ready.Store(true)

		for _, d := range deliveries {
			d := d
			g.Go(func() error {
				r.process(ctx, d)
				return nil
			})
		}
	}

	r.logger.Info("worker stopping, waiting for in-flight tasks")
	_ = g.Wait()
	r.ready.Store(false)
	r.logger.Info("worker stopped", "processed", r.Processed())
	return nil
}

// Drain handles deliveries until a receive comes back empty. The local CLI
// uses it to process a pre-filled queue and exit.
func (r *Runner) Drain(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for {
		deliveries, err := r.queue.Receive(ctx, r.cfg.BatchSize)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("receive: %w", err)
		}
		if len(deliveries) == 0 {
			return g.Wait()
		}
		for _, d := range deliveries {
			d := d
			g.Go(func() error {
				r.process(ctx, d)
				return nil
			})
		}
		// settle this batch before polling again so abandoned deliveries
		// are not picked up by the same drain
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (r *Runner) process(ctx context.Context, d simpleresize.Delivery) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TaskTimeout)
	outcome := r.handler.Handle(taskCtx, d)
	cancel()

	if err := r.settle(context.WithoutCancel(ctx), outcome); err != nil {
		r.logger.Error("failed to settle delivery",
			"message_id", d.MessageID,
			"disposition", outcome.Disposition.String(),
			"err", err,
		)
		return
	}
	r.processed.Add(1)
}

// settle applies the outcome to the queue, retrying transient queue errors
func (r *Runner) settle(ctx context.Context, outcome simpleresize.Outcome) error {
	d := outcome.Delivery
	op := func() error {
		switch outcome.Disposition {
		case simpleresize.DispositionAck:
			return r.queue.Ack(ctx, d)
		case simpleresize.DispositionAbandon:
			return r.queue.Abandon(ctx, d)
		case simpleresize.DispositionDeadLetter:
			return r.queue.DeadLetter(ctx, d, outcome.Reason)
		default:
			return backoff.Permanent(fmt.Errorf("unknown disposition %d", outcome.Disposition))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = r.cfg.SettleTimeout
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		r.logger.Warn("settle failed, retrying", "message_id", d.MessageID, "err", err, "retry_in", next)
	})

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
