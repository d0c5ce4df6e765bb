package simpleresize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetryAttempts is the delivery count after which retryable failures are dead-lettered
const DefaultMaxRetryAttempts = 5

// DefaultLocatorExpiry is the lifetime of presigned derived-object links
const DefaultLocatorExpiry = time.Hour

// Processor runs change notifications through the fetch, transform, store and
// notify stages. It keeps no per-task state between calls, so one Processor
// may handle any number of deliveries concurrently.
type Processor struct {
	source      BlobStore
	derived     BlobStore
	publisher   Publisher
	errorSink   ErrorSink
	deduper     Deduper
	transformer Transformer
	keys        *KeyDeriver
	policy      Policy

	maxRetryAttempts int
	locatorExpiry    time.Duration
	publicBaseURL    string
	deleteSource     bool

	logger *slog.Logger
	hooks  Hooks
	now    func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithSourceStore sets the store originals are read from
func WithSourceStore(store BlobStore) Option {
	return func(p *Processor) {
		p.source = store
	}
}

// WithDerivedStore sets the store derivatives are written to
func WithDerivedStore(store BlobStore) Option {
	return func(p *Processor) {
		p.derived = store
	}
}

// WithPublisher sets the notification channel
func WithPublisher(publisher Publisher) Option {
	return func(p *Processor) {
		p.publisher = publisher
	}
}

// WithErrorSink sets where terminal and dead-lettered failures are reported
func WithErrorSink(sink ErrorSink) Option {
	return func(p *Processor) {
		p.errorSink = sink
	}
}

// WithDeduper enables suppression of repeated completion events
func WithDeduper(deduper Deduper) Option {
	return func(p *Processor) {
		p.deduper = deduper
	}
}

// WithPolicy sets the resize policy. The transformer and key deriver are
// built from it unless set explicitly.
func WithPolicy(policy Policy) Option {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithTransformer replaces the image transformer
func WithTransformer(transformer Transformer) Option {
	return func(p *Processor) {
		p.transformer = transformer
	}
}

// WithKeyDeriver replaces the target key derivation
func WithKeyDeriver(keys *KeyDeriver) Option {
	return func(p *Processor) {
		p.keys = keys
	}
}

// WithMaxRetryAttempts bounds redeliveries of retryable failures
func WithMaxRetryAttempts(n int) Option {
	return func(p *Processor) {
		p.maxRetryAttempts = n
	}
}

// WithLocatorExpiry sets the lifetime of presigned links in completion events
func WithLocatorExpiry(expiry time.Duration) Option {
	return func(p *Processor) {
		p.locatorExpiry = expiry
	}
}

// WithPublicBaseURL makes locators "<base>/<target key>" instead of presigned links
func WithPublicBaseURL(base string) Option {
	return func(p *Processor) {
		p.publicBaseURL = strings.TrimRight(base, "/")
	}
}

// WithDeleteSource removes the original after the completion event is published
func WithDeleteSource(enabled bool) Option {
	return func(p *Processor) {
		p.deleteSource = enabled
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithHooks adds lifecycle hooks
func WithHooks(hooks Hooks) Option {
	return func(p *Processor) {
		p.hooks.Merge(hooks)
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a processor with the given options. Missing collaborators and
// invalid settings return an error matching ErrConfiguration.
func New(options ...Option) (*Processor, error) {
	p := &Processor{
		policy:           DefaultPolicy(),
		maxRetryAttempts: DefaultMaxRetryAttempts,
		locatorExpiry:    DefaultLocatorExpiry,
		now:              time.Now,
	}

	for _, option := range options {
		option(p)
	}

	if p.source == nil {
		return nil, NewConfigError("source_store", "is required")
	}
	if p.derived == nil {
		return nil, NewConfigError("derived_store", "is required")
	}
	if p.publisher == nil {
		return nil, NewConfigError("publisher", "is required")
	}
	if p.maxRetryAttempts < 1 {
		return nil, NewConfigError("max_retry_attempts", fmt.Sprintf("must be at least 1, got %d", p.maxRetryAttempts))
	}
	if p.locatorExpiry <= 0 {
		return nil, NewConfigError("locator_expiry", "must be positive")
	}
	if p.publicBaseURL != "" {
		if u, err := url.Parse(p.publicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, NewConfigError("public_base_url", fmt.Sprintf("%q is not an absolute URL", p.publicBaseURL))
		}
	}
	if sb, db := p.source.Bucket(), p.derived.Bucket(); sb != "" && sb == db {
		return nil, NewConfigError("derived_bucket", "source and derived buckets must differ to avoid recursion")
	}

	p.policy.OutputFormat = NormalizeFormat(p.policy.OutputFormat)
	if err := p.policy.Validate(); err != nil {
		return nil, err
	}
	if p.transformer == nil {
		t, err := NewImageTransformer(p.policy)
		if err != nil {
			return nil, err
		}
		p.transformer = t
	}
	if p.keys == nil {
		keys, err := NewKeyDeriver("", DefaultTargetSuffix, p.policy.Extension())
		if err != nil {
			return nil, err
		}
		p.keys = keys
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.errorSink == nil {
		p.errorSink = NewLoggingErrorSink(p.logger)
	}
	if p.deduper == nil {
		p.deduper = NewNoopDeduper()
	}

	return p, nil
}

// MaxRetryAttempts returns the configured delivery bound
func (p *Processor) MaxRetryAttempts() int {
	return p.maxRetryAttempts
}

// Handle processes one queue delivery and decides its disposition. The caller
// applies the disposition to the queue.
func (p *Processor) Handle(ctx context.Context, d Delivery) Outcome {
	outcome := Outcome{Delivery: d, Disposition: DispositionAck}
	attempt := d.Attempt
	if attempt < 1 {
		attempt = 1
	}

	records, err := ParseNotification(d.Body)
	if err != nil {
		res := Result{
			State: StateFailed,
			Err:   &TaskError{Kind: KindInvalidEvent, State: StateReceived, Err: err},
			Kind:  KindInvalidEvent,
			Class: ClassTerminal,
		}
		res.Task.MessageID = d.MessageID
		res.Task.Attempt = attempt
		outcome.Results = []Result{res}
		p.report(ctx, res, false)
		p.hooks.executeOutcome(ctx, outcome)
		return outcome
	}
	if len(records) == 0 {
		p.logger.DebugContext(ctx, "notification carries no created objects", "message_id", d.MessageID)
		p.hooks.executeOutcome(ctx, outcome)
		return outcome
	}

	retry := false
	for _, record := range records {
		task := ProcessingTask{
			SourceBucket:  record.Bucket,
			SourceKey:     record.Key,
			ReceiptHandle: d.ReceiptHandle,
			MessageID:     d.MessageID,
			Attempt:       attempt,
			ETag:          record.ETag,
			EventTime:     record.EventTime,
		}
		res := p.Process(ctx, task)
		if res.Err != nil && res.Class == ClassRetryable {
			retry = true
		}
		outcome.Results = append(outcome.Results, res)
	}

	switch {
	case !retry:
		outcome.Disposition = DispositionAck
	case attempt >= p.maxRetryAttempts:
		outcome.Disposition = DispositionDeadLetter
		outcome.Reason = fmt.Sprintf("retryable failure persisted after %d attempts", attempt)
	default:
		outcome.Disposition = DispositionAbandon
	}

	for _, res := range outcome.Results {
		if res.Err == nil {
			continue
		}
		switch {
		case outcome.Disposition == DispositionAbandon:
			p.logger.WarnContext(ctx, "task will be retried",
				"source_key", res.Task.SourceKey,
				"state", failedState(res).String(),
				"failure_kind", res.Kind,
				"attempt", attempt,
				"max_attempts", p.maxRetryAttempts,
				"err", res.Err,
			)
		case outcome.Disposition == DispositionDeadLetter:
			p.report(ctx, res, true)
		default:
			p.report(ctx, res, false)
		}
	}

	p.hooks.executeOutcome(ctx, outcome)
	return outcome
}

// Process runs a single task through the state machine. TargetKey is derived
// from SourceKey when empty.
func (p *Processor) Process(ctx context.Context, task ProcessingTask) Result {
	run := &taskRun{p: p, ctx: ctx, state: StateReceived, entered: p.now()}
	run.result.Task = task

	if task.TargetKey == "" {
		key, err := p.keys.DeriveTargetKey(task.SourceKey)
		if err != nil {
			return run.fail(err)
		}
		task.TargetKey = key
		run.result.Task = task
	}
	if db := p.derived.Bucket(); db != "" && task.SourceBucket == db {
		return run.fail(fmt.Errorf("%w: notification for derived bucket %s", ErrInvalidEvent, db))
	}
	if sb := p.source.Bucket(); sb != "" && task.SourceBucket != "" && task.SourceBucket != sb {
		return run.fail(fmt.Errorf("%w: notification for bucket %s, source store reads %s", ErrInvalidEvent, task.SourceBucket, sb))
	}

	run.advance(StateFetching)
	original, err := p.source.Get(ctx, task.SourceKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) && p.deleteSource && p.derivedFrom(ctx, task.TargetKey, task.ETag) {
			// the original is only deleted after a successful publish
			p.logger.InfoContext(ctx, "source already processed and removed", "source_key", task.SourceKey, "target_key", task.TargetKey)
			run.result.Suppressed = true
			return run.finish()
		}
		return run.fail(err)
	}
	if task.ETag == "" {
		task.ETag = original.ETag
		run.result.Task = task
	}

	run.advance(StateTransforming)
	rendition, err := p.transformer.Transform(ctx, original.Data)
	if err != nil {
		return run.fail(err)
	}

	run.advance(StateStoring)
	derived := &DerivedObject{
		Bucket:      p.derived.Bucket(),
		Key:         task.TargetKey,
		Data:        rendition.Data,
		ContentType: rendition.ContentType,
		Width:       rendition.Width,
		Height:      rendition.Height,
		SourceKey:   task.SourceKey,
	}
	if err := p.store(ctx, task, derived); err != nil {
		return run.fail(err)
	}
	run.result.Derived = derived

	run.advance(StateNotifying)
	event, suppressed, err := p.notify(ctx, task, derived)
	if err != nil {
		return run.fail(err)
	}
	run.result.Event = event
	run.result.Suppressed = suppressed

	if p.deleteSource {
		run.advance(StateCleaning)
		if err := p.source.Delete(ctx, task.SourceKey); err != nil && !errors.Is(err, ErrObjectNotFound) {
			return run.fail(err)
		}
	}

	p.logger.InfoContext(ctx, "task completed",
		"source_key", task.SourceKey,
		"target_key", task.TargetKey,
		"width", derived.Width,
		"height", derived.Height,
		"bytes", len(derived.Data),
		"attempt", task.Attempt,
		"suppressed", suppressed,
	)
	return run.finish()
}

// notify resolves the locator, applies the dedupe policy and publishes
func (p *Processor) notify(ctx context.Context, task ProcessingTask, derived *DerivedObject) (*CompletionEvent, bool, error) {
	locator, err := p.locate(ctx, derived.Key)
	if err != nil {
		return nil, false, fmt.Errorf("resolve locator: %w", err)
	}

	dedupeKey := DedupeKey(derived.Bucket, derived.Key, task.ETag)
	event := &CompletionEvent{
		ID:             EventID(dedupeKey),
		SourceBucket:   task.SourceBucket,
		SourceKey:      task.SourceKey,
		TargetBucket:   derived.Bucket,
		TargetKey:      derived.Key,
		DerivedLocator: locator,
		ContentType:    derived.ContentType,
		Width:          derived.Width,
		Height:         derived.Height,
		CompletedAt:    p.now().UTC(),
	}

	if claimer, ok := p.deduper.(Claimer); ok {
		return p.publishClaimed(ctx, claimer, dedupeKey, event)
	}

	// Seen and Mark are separate calls: two copies of a message processed at
	// the same moment can both publish
	seen, err := p.deduper.Seen(ctx, dedupeKey)
	if err != nil {
		p.logger.WarnContext(ctx, "dedupe lookup failed, publishing anyway", "key", dedupeKey, "err", err)
	} else if seen {
		p.logger.InfoContext(ctx, "completion event already published", "key", dedupeKey)
		return event, true, nil
	}

	if err := p.publisher.Publish(ctx, *event); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if err := p.deduper.Mark(ctx, dedupeKey); err != nil {
		p.logger.WarnContext(ctx, "dedupe mark failed", "key", dedupeKey, "err", err)
	}
	return event, false, nil
}

// publishClaimed publishes only when this task wins the claim on dedupeKey.
// A failed publish gives the claim back so the retry can publish.
func (p *Processor) publishClaimed(ctx context.Context, claimer Claimer, dedupeKey string, event *CompletionEvent) (*CompletionEvent, bool, error) {
	claimed, err := claimer.Claim(ctx, dedupeKey)
	held := err == nil
	if err != nil {
		p.logger.WarnContext(ctx, "dedupe claim failed, publishing anyway", "key", dedupeKey, "err", err)
	} else if !claimed {
		p.logger.InfoContext(ctx, "completion event already published", "key", dedupeKey)
		return event, true, nil
	}

	if err := p.publisher.Publish(ctx, *event); err != nil {
		if held {
			if relErr := claimer.Release(ctx, dedupeKey); relErr != nil {
				p.logger.WarnContext(ctx, "dedupe release failed", "key", dedupeKey, "err", relErr)
			}
		}
		return nil, false, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return event, false, nil
}

func (p *Processor) locate(ctx context.Context, key string) (string, error) {
	if p.publicBaseURL != "" {
		segments := strings.Split(key, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		return p.publicBaseURL + "/" + strings.Join(segments, "/"), nil
	}
	return p.derived.URL(ctx, key, p.locatorExpiry)
}

// store writes the derivative, recording the source ETag when the store
// keeps metadata
func (p *Processor) store(ctx context.Context, task ProcessingTask, derived *DerivedObject) error {
	if mw, ok := p.derived.(MetadataWriter); ok && task.ETag != "" {
		return mw.PutWithMetadata(ctx, derived.Key, derived.Data, derived.ContentType, map[string]string{
			MetadataSourceETag: task.ETag,
		})
	}
	return p.derived.Put(ctx, derived.Key, derived.Data, derived.ContentType)
}

// derivedFrom reports whether the derivative under targetKey was produced from
// the upload version etag. Without a recorded source ETag it falls back to
// the published-event memory.
func (p *Processor) derivedFrom(ctx context.Context, targetKey, etag string) bool {
	if etag == "" {
		return false
	}
	meta, err := p.derived.Stat(ctx, targetKey)
	if err != nil {
		return false
	}
	for k, v := range meta.Metadata {
		// S3 and MinIO return user metadata keys in their own casing
		if strings.EqualFold(k, MetadataSourceETag) {
			return v == etag
		}
	}
	seen, err := p.deduper.Seen(ctx, DedupeKey(p.derived.Bucket(), targetKey, etag))
	return err == nil && seen
}

func (p *Processor) report(ctx context.Context, res Result, deadLettered bool) {
	record := ErrorRecord{
		SourceBucket: res.Task.SourceBucket,
		SourceKey:    res.Task.SourceKey,
		FailureKind:  res.Kind,
		Message:      res.Err.Error(),
		Attempt:      res.Task.Attempt,
		State:        failedState(res),
		MessageID:    res.Task.MessageID,
		DeadLettered: deadLettered,
		OccurredAt:   p.now().UTC(),
	}
	if err := p.errorSink.Report(ctx, record); err != nil {
		p.logger.ErrorContext(ctx, "error sink rejected record",
			"source_key", record.SourceKey,
			"failure_kind", record.FailureKind,
			"record_err", record.Message,
			"err", err,
		)
	}
}

// DedupeKey identifies one published derivative. The source ETag keeps a
// re-upload under the same name from being mistaken for a redelivery.
func DedupeKey(bucket, targetKey, etag string) string {
	key := bucket + "/" + targetKey
	if etag != "" {
		key += "@" + etag
	}
	return key
}

// EventID returns a stable identifier for the completion event of dedupeKey,
// letting recipients drop duplicates delivered under at-least-once semantics
func EventID(dedupeKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(dedupeKey)).String()
}

func failedState(res Result) State {
	var te *TaskError
	if errors.As(res.Err, &te) {
		return te.State
	}
	return res.State
}

// taskRun tracks the state of one Process call
type taskRun struct {
	p       *Processor
	ctx     context.Context
	state   State
	entered time.Time
	result  Result
}

func (r *taskRun) advance(to State) {
	if !CanTransition(r.state, to) {
		panic(fmt.Sprintf("simpleresize: invalid transition %s -> %s", r.state, to))
	}
	now := r.p.now()
	r.p.hooks.executeTransition(r.ctx, r.result.Task, r.state, to, now.Sub(r.entered))
	r.state = to
	r.entered = now
}

func (r *taskRun) fail(err error) Result {
	te := stageError(r.state, r.result.Task.SourceKey, err)
	r.advance(StateFailed)
	r.result.State = StateFailed
	r.result.Err = te
	r.result.Kind = te.Kind
	r.result.Class = te.Kind.Class()
	r.p.hooks.executeResult(r.ctx, r.result)
	return r.result
}

func (r *taskRun) finish() Result {
	r.advance(StateAcknowledged)
	r.result.State = StateAcknowledged
	r.p.hooks.executeResult(r.ctx, r.result)
	return r.result
}
