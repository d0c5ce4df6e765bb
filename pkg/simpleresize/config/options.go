package config

import (
	"fmt"
	"time"
)

// WithStorage sets the original and derived store URLs
func WithStorage(sourceURL, derivedURL string) Option {
	return func(c *Config) error {
		if sourceURL == "" || derivedURL == "" {
			return fmt.Errorf("storage URLs cannot be empty")
		}
		c.SourceStorageURL = sourceURL
		c.DerivedStorageURL = derivedURL
		return nil
	}
}

// WithQueue sets the delivery queue URL
func WithQueue(queueURL string) Option {
	return func(c *Config) error {
		if queueURL == "" {
			return fmt.Errorf("queue URL cannot be empty")
		}
		c.QueueURL = queueURL
		return nil
	}
}

// WithNotify sets the notification channel
func WithNotify(notifyURL string) Option {
	return func(c *Config) error {
		c.NotifyURL = notifyURL
		return nil
	}
}

// WithErrorSink sets the error sink
func WithErrorSink(sinkURL string) Option {
	return func(c *Config) error {
		c.ErrorSinkURL = sinkURL
		return nil
	}
}

// WithDedupe sets the dedupe store and how long published events are remembered
func WithDedupe(dedupeURL string, ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("dedupe ttl must be positive")
		}
		c.DedupeURL = dedupeURL
		c.DedupeTTL = ttl
		return nil
	}
}

// WithAWS sets the AWS region and optional static credentials
func WithAWS(region, accessKeyID, secretAccessKey string) Option {
	return func(c *Config) error {
		if region == "" {
			return fmt.Errorf("aws region cannot be empty")
		}
		c.AWS.Region = region
		c.AWS.AccessKeyID = accessKeyID
		c.AWS.SecretAccessKey = secretAccessKey
		return nil
	}
}

// WithAWSEndpoint points every AWS client at endpoint (LocalStack and similar)
func WithAWSEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.AWS.Endpoint = endpoint
		return nil
	}
}

// WithMinIO sets the MinIO server used by minio:// stores
func WithMinIO(endpoint, accessKey, secretKey string, insecure bool) Option {
	return func(c *Config) error {
		if endpoint == "" {
			return fmt.Errorf("minio endpoint cannot be empty")
		}
		c.MinIO = MinIOConfig{Endpoint: endpoint, AccessKey: accessKey, SecretKey: secretKey, Insecure: insecure}
		return nil
	}
}

// WithResize sets the bounding box and output format of derivatives
func WithResize(maxWidth, maxHeight int, format string, quality int) Option {
	return func(c *Config) error {
		c.MaxWidth = maxWidth
		c.MaxHeight = maxHeight
		c.OutputFormat = format
		c.Quality = quality
		return nil
	}
}

// WithTargetKey sets the prefix and suffix used to derive target keys
func WithTargetKey(prefix, suffix string) Option {
	return func(c *Config) error {
		c.TargetPrefix = prefix
		c.TargetSuffix = suffix
		return nil
	}
}

// WithMaxRetryAttempts sets how many deliveries a retryable failure gets
func WithMaxRetryAttempts(n int) Option {
	return func(c *Config) error {
		c.MaxRetryAttempts = n
		return nil
	}
}

// WithPublicBaseURL makes locators permanent links under baseURL
func WithPublicBaseURL(baseURL string) Option {
	return func(c *Config) error {
		c.PublicBaseURL = baseURL
		return nil
	}
}

// WithDeleteSource removes originals once their completion event is published
func WithDeleteSource(enabled bool) Option {
	return func(c *Config) error {
		c.DeleteSource = enabled
		return nil
	}
}

// WithConcurrency sets the number of tasks processed in parallel
func WithConcurrency(n int) Option {
	return func(c *Config) error {
		c.Concurrency = n
		return nil
	}
}

// WithDeadLetterQueue sets the SQS queue that receives dead-lettered messages
func WithDeadLetterQueue(queueURL string) Option {
	return func(c *Config) error {
		c.DeadLetterQueueURL = queueURL
		return nil
	}
}

// WithTaskTimeout sets the time budget of one delivery
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.TaskTimeout = d
		return nil
	}
}

// WithRedelivery sets when unfinished messages become visible again:
// the visibility timeout of received messages, the delay before an abandoned
// message returns, and the idle time before a pending stream entry is reclaimed
func WithRedelivery(visibilityTimeout, retryDelay, claimMinIdle time.Duration) Option {
	return func(c *Config) error {
		c.VisibilityTimeout = visibilityTimeout
		c.RetryDelay = retryDelay
		c.ClaimMinIdle = claimMinIdle
		return nil
	}
}

// WithHTTPAddr sets the listen address of the health and metrics server
func WithHTTPAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("http address cannot be empty")
		}
		c.HTTPAddr = addr
		return nil
	}
}

// WithLogging sets the log level and format
func WithLogging(level, format string) Option {
	return func(c *Config) error {
		c.LogLevel = level
		c.LogFormat = format
		return nil
	}
}
