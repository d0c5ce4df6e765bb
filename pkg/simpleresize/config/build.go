package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/awsconfig"
	dedupememory "github.com/tendant/simple-resize/pkg/simpleresize/dedupe/memory"
	dedupepostgres "github.com/tendant/simple-resize/pkg/simpleresize/dedupe/postgres"
	deduperedis "github.com/tendant/simple-resize/pkg/simpleresize/dedupe/redis"
	sinkmemory "github.com/tendant/simple-resize/pkg/simpleresize/errorsink/memory"
	sinksqs "github.com/tendant/simple-resize/pkg/simpleresize/errorsink/sqs"
	"github.com/tendant/simple-resize/pkg/simpleresize/metrics"
	notifymemory "github.com/tendant/simple-resize/pkg/simpleresize/notify/memory"
	notifysns "github.com/tendant/simple-resize/pkg/simpleresize/notify/sns"
	queueamqp "github.com/tendant/simple-resize/pkg/simpleresize/queue/amqp"
	queuememory "github.com/tendant/simple-resize/pkg/simpleresize/queue/memory"
	queueredis "github.com/tendant/simple-resize/pkg/simpleresize/queue/redisstream"
	queuesqs "github.com/tendant/simple-resize/pkg/simpleresize/queue/sqs"
	fsstorage "github.com/tendant/simple-resize/pkg/simpleresize/storage/fs"
	memorystorage "github.com/tendant/simple-resize/pkg/simpleresize/storage/memory"
	miniostorage "github.com/tendant/simple-resize/pkg/simpleresize/storage/minio"
	s3storage "github.com/tendant/simple-resize/pkg/simpleresize/storage/s3"
	"github.com/tendant/simple-resize/pkg/simpleresize/worker"
)

const defaultQueueName = "resize-tasks"

// Runtime bundles the components of one resizer process
type Runtime struct {
	Processor *simpleresize.Processor
	Queue     simpleresize.Queue
	Runner    *worker.Runner
	// Metrics is nil when Build was given no registerer
	Metrics *metrics.Observer

	Source    simpleresize.BlobStore
	Derived   simpleresize.BlobStore
	Publisher simpleresize.Publisher
	ErrorSink simpleresize.ErrorSink

	closers []func() error
}

// Close releases every connection opened by Build, most recent first
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build connects every collaborator named by the config and returns the
// processor together with a runner draining the queue into it. Metrics are
// registered with reg unless it is nil.
func (c *Config) Build(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}

	fail := func(err error) (*Runtime, error) {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("failed to release resources after build error", "err", cerr)
		}
		return nil, err
	}

	var err error
	if rt.Source, err = c.buildStore(ctx, "source_storage_url", c.SourceStorageURL); err != nil {
		return fail(fmt.Errorf("failed to build source store: %w", err))
	}
	if rt.Derived, err = c.buildStore(ctx, "derived_storage_url", c.DerivedStorageURL); err != nil {
		return fail(fmt.Errorf("failed to build derived store: %w", err))
	}
	if rt.Queue, err = c.buildQueue(ctx, rt, logger); err != nil {
		return fail(fmt.Errorf("failed to build queue: %w", err))
	}

	if rt.Publisher, err = c.buildPublisher(ctx, logger); err != nil {
		return fail(fmt.Errorf("failed to build publisher: %w", err))
	}
	if rt.ErrorSink, err = c.buildErrorSink(ctx, logger); err != nil {
		return fail(fmt.Errorf("failed to build error sink: %w", err))
	}
	deduper, err := c.buildDeduper(ctx, rt)
	if err != nil {
		return fail(fmt.Errorf("failed to build deduper: %w", err))
	}
	keys, err := c.KeyDeriver()
	if err != nil {
		return fail(err)
	}

	options := []simpleresize.Option{
		simpleresize.WithSourceStore(rt.Source),
		simpleresize.WithDerivedStore(rt.Derived),
		simpleresize.WithPublisher(rt.Publisher),
		simpleresize.WithErrorSink(rt.ErrorSink),
		simpleresize.WithDeduper(deduper),
		simpleresize.WithPolicy(c.Policy()),
		simpleresize.WithKeyDeriver(keys),
		simpleresize.WithMaxRetryAttempts(c.MaxRetryAttempts),
		simpleresize.WithLocatorExpiry(c.LocatorExpiry),
		simpleresize.WithPublicBaseURL(c.PublicBaseURL),
		simpleresize.WithDeleteSource(c.DeleteSource),
		simpleresize.WithLogger(logger),
	}
	if reg != nil {
		rt.Metrics, err = metrics.New(c.MetricsNamespace, reg)
		if err != nil {
			return fail(fmt.Errorf("failed to register metrics: %w", err))
		}
		options = append(options, simpleresize.WithHooks(rt.Metrics.Hooks()))
	}

	if rt.Processor, err = simpleresize.New(options...); err != nil {
		return fail(err)
	}

	rt.Runner, err = worker.New(rt.Queue, rt.Processor, worker.Config{
		Concurrency: c.Concurrency,
		BatchSize:   c.BatchSize,
		TaskTimeout: c.TaskTimeout,
	}, logger)
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

func (c *Config) awsOptions() awsconfig.Options {
	return awsconfig.Options{
		Region:          c.AWS.Region,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
		Endpoint:        c.AWS.Endpoint,
	}
}

func (c *Config) buildStore(ctx context.Context, field, raw string) (simpleresize.BlobStore, error) {
	s, err := parseStoreURL(field, raw)
	if err != nil {
		return nil, err
	}

	switch s.kind {
	case "memory":
		return memorystorage.New(s.bucket), nil
	case "file":
		return fsstorage.New(fsstorage.Config{
			BaseDir:   s.dir,
			Bucket:    s.bucket,
			URLPrefix: s.query.Get("url_prefix"),
		})
	case "s3":
		opts := c.awsOptions()
		if s.region != "" {
			opts.Region = s.region
		}
		if s.endpoint != "" {
			opts.Endpoint = s.endpoint
		}
		cfg := s3storage.Config{
			Options:                opts,
			Bucket:                 s.bucket,
			UsePathStyle:           s.flag("path_style"),
			CreateBucketIfNotExist: s.flag("create"),
			PresignDuration:        int(c.LocatorExpiry.Seconds()),
		}
		if sse := s.query.Get("sse"); sse != "" {
			cfg.EnableSSE = true
			cfg.SSEAlgorithm = sse
			cfg.SSEKMSKeyID = s.query.Get("kms_key_id")
		}
		return s3storage.New(ctx, cfg)
	case "minio":
		endpoint := c.MinIO.Endpoint
		if s.endpoint != "" {
			endpoint = s.endpoint
		}
		region := s.region
		if region == "" {
			region = c.AWS.Region
		}
		return miniostorage.New(ctx, miniostorage.Config{
			Endpoint:               endpoint,
			AccessKey:              c.MinIO.AccessKey,
			SecretKey:              c.MinIO.SecretKey,
			Bucket:                 s.bucket,
			Region:                 region,
			Insecure:               c.MinIO.Insecure || s.flag("insecure"),
			CreateBucketIfNotExist: s.flag("create"),
		})
	}
	return nil, simpleresize.NewConfigError(field, fmt.Sprintf("unsupported storage scheme %q", s.kind))
}

func (c *Config) buildQueue(ctx context.Context, rt *Runtime, logger *slog.Logger) (simpleresize.Queue, error) {
	q, err := parseQueueURL(c.QueueURL)
	if err != nil {
		return nil, err
	}

	var queue simpleresize.Queue
	switch q.kind {
	case "memory":
		queue = queuememory.New(queuememory.Config{
			VisibilityTimeout: c.visibilityTimeout(),
			RetryDelay:        c.RetryDelay,
		})
	case "sqs":
		queue, err = queuesqs.New(ctx, queuesqs.Config{
			Options:            c.awsOptions(),
			QueueURL:           c.QueueURL,
			DeadLetterQueueURL: c.DeadLetterQueueURL,
			WaitTimeSeconds:    c.QueueWaitSeconds,
			VisibilityTimeout:  int32(c.visibilityTimeout().Seconds()),
			RetryDelay:         c.RetryDelay,
		})
	case "redis":
		var rc *redis.Client
		rc, err = redisClient(q.u, "stream", "group", "consumer")
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rc.Close)
		consumer := c.StreamConsumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		queue, err = queueredis.New(ctx, rc, queueredis.Config{
			Stream:       q.name("stream", defaultQueueName),
			Group:        q.name("group", c.StreamGroup),
			Consumer:     q.name("consumer", consumer),
			ClaimMinIdle: c.ClaimMinIdle,
		})
	case "amqp":
		queue, err = queueamqp.New(ctx, queueamqp.Config{
			URL:        stripped(q.u, "queue", "prefetch"),
			Queue:      q.name("queue", defaultQueueName),
			RetryDelay: c.RetryDelay,
			Prefetch: func() int {
				n, _ := strconv.Atoi(q.u.Query().Get("prefetch"))
				if n < 1 {
					return c.Concurrency
				}
				return n
			}(),
		}, logger)
	}
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, queue.Close)
	return queue, nil
}

func (c *Config) buildPublisher(ctx context.Context, logger *slog.Logger) (simpleresize.Publisher, error) {
	kind, err := notifyKind(c.NotifyURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "memory":
		return notifymemory.New(), nil
	case "sns":
		return notifysns.New(ctx, notifysns.Config{Options: c.awsOptions(), TopicARN: c.NotifyURL})
	}
	return simpleresize.NewLoggingPublisher(logger), nil
}

func (c *Config) buildErrorSink(ctx context.Context, logger *slog.Logger) (simpleresize.ErrorSink, error) {
	kind, err := errorSinkKind(c.ErrorSinkURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "memory":
		return sinkmemory.New(), nil
	case "sqs":
		return sinksqs.New(ctx, sinksqs.Config{Options: c.awsOptions(), QueueURL: c.ErrorSinkURL})
	}
	return simpleresize.NewLoggingErrorSink(logger), nil
}

func (c *Config) buildDeduper(ctx context.Context, rt *Runtime) (simpleresize.Deduper, error) {
	kind, err := dedupeKind(c.DedupeURL)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "memory":
		u, _ := url.Parse(c.DedupeURL)
		size, _ := strconv.Atoi(u.Query().Get("size"))
		return dedupememory.New(dedupememory.Config{MaxSize: size, TTL: c.DedupeTTL}), nil
	case "redis":
		u, _ := url.Parse(c.DedupeURL)
		rc, err := redisClient(u, "prefix")
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rc.Close)
		return deduperedis.New(rc, deduperedis.Config{Prefix: u.Query().Get("prefix"), TTL: c.DedupeTTL})
	case "postgres":
		pool, err := pgxpool.New(ctx, c.DedupeURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		d := dedupepostgres.NewWithPool(pool, c.DedupeTTL)
		if err := d.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return d, nil
	}
	return simpleresize.NewNoopDeduper(), nil
}

func redisClient(u *url.URL, params ...string) (*redis.Client, error) {
	opts, err := redis.ParseURL(stripped(u, params...))
	if err != nil {
		return nil, simpleresize.NewConfigError("redis_url", err.Error())
	}
	return redis.NewClient(opts), nil
}
