package simpleresize

import (
	"context"
	"errors"
	"fmt"
)

// Error types
var (
	// ErrObjectNotFound indicates the requested key does not exist in a store
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnsupportedFormat indicates the object bytes cannot be decoded as an image
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrInvalidEvent indicates a queue message that can never produce a task
	ErrInvalidEvent = errors.New("invalid change notification")

	// ErrPublishFailed indicates the notification channel rejected a publish
	ErrPublishFailed = errors.New("publish failed")

	// ErrConfiguration indicates invalid processor configuration
	ErrConfiguration = errors.New("invalid configuration")
)

// FailureKind names one entry of the closed failure taxonomy
type FailureKind string

const (
	KindNotFound              FailureKind = "NotFound"
	KindUnsupportedFormat     FailureKind = "UnsupportedFormat"
	KindInvalidEvent          FailureKind = "InvalidEvent"
	KindTransientStoreError   FailureKind = "TransientStoreError"
	KindTransientPublishError FailureKind = "TransientPublishError"
	KindConfigurationError    FailureKind = "ConfigurationError"
)

// Class says whether a failure may succeed on redelivery
type Class int

const (
	ClassTerminal Class = iota
	ClassRetryable
)

func (c Class) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "terminal"
}

// Class returns the retry class of the kind
func (k FailureKind) Class() Class {
	switch k {
	case KindTransientStoreError, KindTransientPublishError:
		return ClassRetryable
	default:
		return ClassTerminal
	}
}

// Retryable is shorthand for k.Class() == ClassRetryable
func (k FailureKind) Retryable() bool {
	return k.Class() == ClassRetryable
}

// AllFailureKinds lists every kind in the taxonomy
func AllFailureKinds() []FailureKind {
	return []FailureKind{
		KindNotFound,
		KindUnsupportedFormat,
		KindInvalidEvent,
		KindTransientStoreError,
		KindTransientPublishError,
		KindConfigurationError,
	}
}

// TaskError carries the classification of a failed pipeline stage
type TaskError struct {
	Kind  FailureKind
	State State
	Key   string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s failed for key %s (%s): %v", e.State, e.Key, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid configuration field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigError returns a ConfigError that matches ErrConfiguration
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// Classify maps err onto exactly one FailureKind. Errors that carry no
// recognizable marker are treated as transient store errors: they are retried
// and eventually dead-lettered, never dropped.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrConfiguration):
		return KindConfigurationError
	case errors.Is(err, ErrObjectNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, ErrInvalidEvent):
		return KindInvalidEvent
	case errors.Is(err, ErrPublishFailed):
		return KindTransientPublishError
	default:
		return KindTransientStoreError
	}
}

// stageError classifies a failure raised while the task was in state
func stageError(state State, key string, err error) *TaskError {
	kind := KindTransientStoreError
	switch state {
	case StateReceived:
		kind = KindInvalidEvent
	case StateFetching:
		if errors.Is(err, ErrObjectNotFound) {
			kind = KindNotFound
		}
	case StateTransforming:
		kind = KindUnsupportedFormat
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = KindTransientStoreError
		}
	case StateNotifying:
		if errors.Is(err, ErrPublishFailed) {
			kind = KindTransientPublishError
		}
	}
	return &TaskError{Kind: kind, State: state, Key: key, Err: err}
}
