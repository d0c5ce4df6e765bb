package simpleresize

import (
	"context"
	"log/slog"
)

// NoopDeduper never reports an event as seen, which yields at-least-once
// notification semantics
type NoopDeduper struct{}

// NewNoopDeduper creates a deduper that remembers nothing
func NewNoopDeduper() Deduper {
	return NoopDeduper{}
}

// Seen always returns false
func (NoopDeduper) Seen(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// Mark does nothing and returns nil
func (NoopDeduper) Mark(ctx context.Context, key string) error {
	return nil
}

// LoggingErrorSink writes error records to a structured logger.
// Useful for development and as the fallback sink in production.
type LoggingErrorSink struct {
	logger *slog.Logger
}

// NewLoggingErrorSink creates an error sink backed by logger (slog.Default when nil)
func NewLoggingErrorSink(logger *slog.Logger) ErrorSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingErrorSink{logger: logger}
}

// Report logs the record at error level
func (s *LoggingErrorSink) Report(ctx context.Context, record ErrorRecord) error {
	s.logger.ErrorContext(ctx, "task failed",
		"source_bucket", record.SourceBucket,
		"source_key", record.SourceKey,
		"failure_kind", record.FailureKind,
		"state", record.State.String(),
		"attempt", record.Attempt,
		"dead_lettered", record.DeadLettered,
		"message_id", record.MessageID,
		"err", record.Message,
	)
	return nil
}

// LoggingPublisher logs completion events instead of delivering them
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher backed by logger (slog.Default when nil)
func NewLoggingPublisher(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

// Publish logs the event at info level
func (p *LoggingPublisher) Publish(ctx context.Context, event CompletionEvent) error {
	p.logger.InfoContext(ctx, "completion event",
		"id", event.ID,
		"source_key", event.SourceKey,
		"target_key", event.TargetKey,
		"locator", event.DerivedLocator,
		"width", event.Width,
		"height", event.Height,
	)
	return nil
}
