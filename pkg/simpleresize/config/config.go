package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
// The result is validated; invalid settings return an error matching
// simpleresize.ErrConfiguration.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	policy := simpleresize.DefaultPolicy()
	return Config{
		HTTPAddr:         ":8080",
		LogLevel:         "info",
		LogFormat:        "json",
		MetricsNamespace: "resizer",

		SourceStorageURL:  "memory://uploads",
		DerivedStorageURL: "memory://uploads-resized",
		QueueURL:          "memory://",
		NotifyURL:         "log://",
		ErrorSinkURL:      "log://",
		DedupeURL:         "none",
		DedupeTTL:         15 * time.Minute,

		AWS: AWSConfig{Region: "us-east-1"},

		QueueWaitSeconds: 20,
		StreamGroup:      "resizer",
		ClaimMinIdle:     10 * time.Minute,

		MaxWidth:         policy.MaxWidth,
		MaxHeight:        policy.MaxHeight,
		OutputFormat:     policy.OutputFormat,
		Quality:          policy.Quality,
		MaxPixels:        policy.MaxPixels,
		TargetSuffix:     simpleresize.DefaultTargetSuffix,
		MaxRetryAttempts: simpleresize.DefaultMaxRetryAttempts,
		LocatorExpiry:    simpleresize.DefaultLocatorExpiry,

		Concurrency: 4,
		TaskTimeout: 5 * time.Minute,
	}
}

// Config is the full runtime configuration of the resizer. Every field can
// be set from the environment; see WithEnv.
type Config struct {
	// Operations
	HTTPAddr         string `env:"HTTP_ADDR" env-description:"listen address of the health and metrics server"`
	LogLevel         string `env:"LOG_LEVEL" env-description:"debug, info, warn or error"`
	LogFormat        string `env:"LOG_FORMAT" env-description:"json or text"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" env-description:"prefix of exported Prometheus metrics"`

	// Collaborators, selected by URL
	SourceStorageURL  string        `env:"SOURCE_STORAGE_URL" env-description:"originals store: memory://bucket, file:///dir, s3://bucket, minio://bucket"`
	DerivedStorageURL string        `env:"DERIVED_STORAGE_URL" env-description:"derivatives store, same forms as SOURCE_STORAGE_URL"`
	QueueURL          string        `env:"QUEUE_URL" env-description:"delivery queue: memory://, https://sqs..., redis://host/db, amqp://host/vhost?queue=name"`
	NotifyURL         string        `env:"NOTIFY_URL" env-description:"notification channel: log://, memory://, or an SNS topic ARN"`
	ErrorSinkURL      string        `env:"ERROR_SINK_URL" env-description:"error sink: log://, memory://, or an SQS queue URL"`
	DedupeURL         string        `env:"DEDUPE_URL" env-description:"notification dedupe: none, memory://, redis://host/db, postgres://..."`
	DedupeTTL         time.Duration `env:"DEDUPE_TTL" env-description:"how long a published event is remembered"`

	AWS   AWSConfig
	MinIO MinIOConfig

	// Queue tuning
	DeadLetterQueueURL string        `env:"DEAD_LETTER_QUEUE_URL" env-description:"SQS dead-letter queue, required with an SQS queue"`
	QueueWaitSeconds   int32         `env:"QUEUE_WAIT_SECONDS" env-description:"SQS long-poll wait"`
	VisibilityTimeout  time.Duration `env:"VISIBILITY_TIMEOUT" env-description:"visibility timeout of received messages (default TASK_TIMEOUT plus one minute)"`
	RetryDelay         time.Duration `env:"RETRY_DELAY" env-description:"delay before an abandoned message is redelivered"`
	StreamGroup        string        `env:"STREAM_GROUP" env-description:"Redis stream consumer group"`
	StreamConsumer     string        `env:"STREAM_CONSUMER" env-description:"Redis stream consumer name (default hostname)"`
	ClaimMinIdle       time.Duration `env:"CLAIM_MIN_IDLE" env-description:"idle time before a pending stream entry is reclaimed"`

	// Resize policy
	MaxWidth     int    `env:"MAX_WIDTH" env-description:"maximum derivative width"`
	MaxHeight    int    `env:"MAX_HEIGHT" env-description:"maximum derivative height"`
	OutputFormat string `env:"OUTPUT_FORMAT" env-description:"jpeg, png, gif, tiff or bmp"`
	Quality      int    `env:"QUALITY" env-description:"JPEG quality 1-100"`
	MaxPixels    int    `env:"MAX_PIXELS" env-description:"largest accepted source in pixels"`
	TargetPrefix string `env:"TARGET_PREFIX" env-description:"prefix prepended to derived keys"`
	TargetSuffix string `env:"TARGET_SUFFIX" env-description:"suffix appended to the stem of derived keys"`

	// Processing
	MaxRetryAttempts int           `env:"MAX_RETRY_ATTEMPTS" env-description:"deliveries before a retryable failure is dead-lettered"`
	PublicBaseURL    string        `env:"PUBLIC_BASE_URL" env-description:"base URL of the derived store; presigned links are used when empty"`
	LocatorExpiry    time.Duration `env:"LOCATOR_EXPIRY" env-description:"lifetime of presigned links"`
	DeleteSource     bool          `env:"DELETE_SOURCE" env-description:"delete originals after the completion event is published"`

	// Worker
	Concurrency int           `env:"CONCURRENCY" env-description:"tasks processed in parallel"`
	BatchSize   int           `env:"BATCH_SIZE" env-description:"messages requested per receive (default CONCURRENCY)"`
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" env-description:"time budget of one delivery"`
}

// AWSConfig holds credentials shared by the S3, SQS and SNS adapters
type AWSConfig struct {
	Region          string `env:"AWS_REGION" env-description:"AWS region"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" env-description:"static access key; default credential chain when empty"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" env-description:"static secret key"`
	Endpoint        string `env:"AWS_ENDPOINT_URL" env-description:"endpoint override, e.g. LocalStack"`
}

// MinIOConfig holds credentials for minio:// stores
type MinIOConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" env-description:"host:port of the MinIO server"`
	AccessKey string `env:"MINIO_ACCESS_KEY" env-description:"MinIO access key"`
	SecretKey string `env:"MINIO_SECRET_KEY" env-description:"MinIO secret key"`
	Insecure  bool   `env:"MINIO_INSECURE" env-description:"use plain HTTP"`
}

// Policy returns the resize policy described by the config
func (c *Config) Policy() simpleresize.Policy {
	return simpleresize.Policy{
		MaxWidth:     c.MaxWidth,
		MaxHeight:    c.MaxHeight,
		OutputFormat: simpleresize.NormalizeFormat(c.OutputFormat),
		Quality:      c.Quality,
		MaxPixels:    c.MaxPixels,
	}
}

// KeyDeriver returns the target key derivation described by the config
func (c *Config) KeyDeriver() (*simpleresize.KeyDeriver, error) {
	return simpleresize.NewKeyDeriver(c.TargetPrefix, c.TargetSuffix, c.Policy().Extension())
}

// visibilityTimeout keeps a received message hidden past the time budget of
// its task
func (c *Config) visibilityTimeout() time.Duration {
	if c.VisibilityTimeout > 0 {
		return c.VisibilityTimeout
	}
	return c.TaskTimeout + time.Minute
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if _, err := c.KeyDeriver(); err != nil {
		return err
	}
	if c.MaxRetryAttempts < 1 {
		return simpleresize.NewConfigError("max_retry_attempts", fmt.Sprintf("must be at least 1, got %d", c.MaxRetryAttempts))
	}
	if c.Concurrency < 1 {
		return simpleresize.NewConfigError("concurrency", fmt.Sprintf("must be at least 1, got %d", c.Concurrency))
	}
	if c.TaskTimeout <= 0 {
		return simpleresize.NewConfigError("task_timeout", "must be positive")
	}
	if c.VisibilityTimeout > 0 && c.TaskTimeout >= c.VisibilityTimeout {
		return simpleresize.NewConfigError("visibility_timeout", fmt.Sprintf("must exceed task_timeout %s, got %s", c.TaskTimeout, c.VisibilityTimeout))
	}
	if c.LocatorExpiry <= 0 {
		return simpleresize.NewConfigError("locator_expiry", "must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return simpleresize.NewConfigError("log_level", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return simpleresize.NewConfigError("log_format", fmt.Sprintf("must be json or text, got %q", c.LogFormat))
	}

	source, err := parseStoreURL("source_storage_url", c.SourceStorageURL)
	if err != nil {
		return err
	}
	derived, err := parseStoreURL("derived_storage_url", c.DerivedStorageURL)
	if err != nil {
		return err
	}
	if source.kind == derived.kind && source.bucket == derived.bucket {
		return simpleresize.NewConfigError("derived_storage_url", "must name a different bucket than the source to avoid reprocessing derivatives")
	}
	if (source.kind == "minio" || derived.kind == "minio") && c.MinIO.Endpoint == "" && source.endpoint == "" && derived.endpoint == "" {
		return simpleresize.NewConfigError("minio_endpoint", "is required for minio:// stores")
	}

	queue, err := parseQueueURL(c.QueueURL)
	if err != nil {
		return err
	}
	switch queue.kind {
	case "redis":
		// a pending entry must not be reclaimed while its task can still run
		if c.TaskTimeout >= c.ClaimMinIdle {
			return simpleresize.NewConfigError("claim_min_idle", fmt.Sprintf("must exceed task_timeout %s, got %s", c.TaskTimeout, c.ClaimMinIdle))
		}
	case "sqs":
		// without it a message past its retry budget stays on the queue and
		// every further receive reports it dead-lettered again
		if c.DeadLetterQueueURL == "" {
			return simpleresize.NewConfigError("dead_letter_queue_url", "is required with an SQS queue")
		}
		if dlq, err := parseQueueURL(c.DeadLetterQueueURL); err != nil || dlq.kind != "sqs" {
			return simpleresize.NewConfigError("dead_letter_queue_url", fmt.Sprintf("%q is not an SQS queue URL", c.DeadLetterQueueURL))
		}
	}
	if _, err := notifyKind(c.NotifyURL); err != nil {
		return err
	}
	if _, err := errorSinkKind(c.ErrorSinkURL); err != nil {
		return err
	}
	if _, err := dedupeKind(c.DedupeURL); err != nil {
		return err
	}
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return simpleresize.NewConfigError("public_base_url", fmt.Sprintf("%q is not an absolute URL", c.PublicBaseURL))
		}
	}
	return nil
}
