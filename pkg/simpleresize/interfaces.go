package simpleresize

import (
	"context"
	"time"
)

// BlobStore defines the interface for the original and derived object stores
type BlobStore interface {
	// Get returns the object stored under key. Missing keys return an error
	// wrapping ErrObjectNotFound.
	Get(ctx context.Context, key string) (*UploadObject, error)

	// Put writes data under key, replacing any existing object
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes the object stored under key
	Delete(ctx context.Context, key string) error

	// Stat retrieves metadata for an object without reading its body
	Stat(ctx context.Context, key string) (*ObjectMeta, error)

	// URL returns a link a recipient can use to fetch the object
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Bucket returns the bucket (or namespace) the store writes into
	Bucket() string
}

// MetadataWriter is implemented by stores that can attach user metadata to an
// object; Stat returns it in ObjectMeta.Metadata
type MetadataWriter interface {
	PutWithMetadata(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
}

// Queue defines the at-least-once delivery queue feeding the processor
type Queue interface {
	// Receive blocks until up to max deliveries are available or ctx expires.
	// An empty slice with a nil error means the wait elapsed without messages.
	Receive(ctx context.Context, max int) ([]Delivery, error)

	// Ack removes the delivery from the queue
	Ack(ctx context.Context, d Delivery) error

	// Abandon leaves the delivery unacknowledged so it is redelivered once
	// the queue's visibility window lapses
	Abandon(ctx context.Context, d Delivery) error

	// DeadLetter routes the delivery to the dead-letter destination and
	// removes it from the main queue
	DeadLetter(ctx context.Context, d Delivery, reason string) error

	// Close releases connections held by the queue
	Close() error
}

// Publisher defines the notification channel completion events are fanned out on
type Publisher interface {
	Publish(ctx context.Context, event CompletionEvent) error
}

// ErrorSink receives structured records for terminal and dead-lettered failures
type ErrorSink interface {
	Report(ctx context.Context, record ErrorRecord) error
}

// Deduper remembers which completion events were already published so that
// redelivered tasks do not notify twice within the memory window
type Deduper interface {
	// Seen reports whether key was marked and has not expired
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key for the configured retention window
	Mark(ctx context.Context, key string) error
}

// Claimer is implemented by dedupers that can check and record a key in one
// step, so concurrent deliveries of the same message cannot both publish
type Claimer interface {
	// Claim records key and reports true when it was not already recorded
	Claim(ctx context.Context, key string) (bool, error)

	// Release forgets a claim whose event could not be published
	Release(ctx context.Context, key string) error
}

// Transformer turns original image bytes into a derivative
type Transformer interface {
	Transform(ctx context.Context, data []byte) (*Rendition, error)
}
