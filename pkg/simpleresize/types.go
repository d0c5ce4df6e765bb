package simpleresize

import (
	"time"
)

// UploadObject is an original object as read from the source store
type UploadObject struct {
	Bucket      string
	Key         string
	Data        []byte
	ContentType string
	Size        int64
	UploadedAt  time.Time
	ETag        string
}

// MetadataSourceETag names the derivative metadata entry holding the ETag of
// the upload it was produced from
const MetadataSourceETag = "source-etag"

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// Delivery is one message handed out by a Queue
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Body          []byte
	// Attempt is the 1-based delivery count reported by the queue
	Attempt    int
	ReceivedAt time.Time
}

// ProcessingTask is the unit of work derived from a single change notification record
type ProcessingTask struct {
	SourceBucket  string
	SourceKey     string
	TargetKey     string
	ReceiptHandle string
	MessageID     string
	Attempt       int
	// ETag and EventTime come from the notification and are empty when the
	// producer did not supply them
	ETag      string
	EventTime time.Time
}

// DerivedObject is a resized rendition written to the derived store
type DerivedObject struct {
	Bucket      string
	Key         string
	Data        []byte
	ContentType string
	Width       int
	Height      int
	SourceKey   string
}

// Rendition is the output of a Transformer
type Rendition struct {
	Data         []byte
	ContentType  string
	Extension    string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	SourceFormat string
}

// CompletionEvent is published once per successfully processed task
type CompletionEvent struct {
	ID             string    `json:"id"`
	SourceBucket   string    `json:"sourceBucket"`
	SourceKey      string    `json:"sourceKey"`
	TargetBucket   string    `json:"targetBucket"`
	TargetKey      string    `json:"targetKey"`
	DerivedLocator string    `json:"derivedLocator"`
	ContentType    string    `json:"contentType"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	CompletedAt    time.Time `json:"completedAt"`
}

// ErrorRecord is reported to the ErrorSink for failures that will not be retried
type ErrorRecord struct {
	SourceBucket string      `json:"sourceBucket"`
	SourceKey    string      `json:"sourceKey"`
	FailureKind  FailureKind `json:"failureKind"`
	Message      string      `json:"message"`
	Attempt      int         `json:"attempt"`
	State        State       `json:"state"`
	MessageID    string      `json:"messageId,omitempty"`
	DeadLettered bool        `json:"deadLettered"`
	OccurredAt   time.Time   `json:"occurredAt"`
}

// Disposition tells the caller what to do with the queue delivery
type Disposition int

const (
	// DispositionAck removes the delivery from the queue
	DispositionAck Disposition = iota
	// DispositionAbandon leaves the delivery for redelivery
	DispositionAbandon
	// DispositionDeadLetter moves the delivery to the dead-letter destination
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionAbandon:
		return "abandon"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Result is the outcome of processing one task
type Result struct {
	Task    ProcessingTask
	State   State
	Event   *CompletionEvent
	Derived *DerivedObject
	// Suppressed is true when the completion event was skipped by the dedupe policy
	Suppressed bool
	Err        error
	Kind       FailureKind
	Class      Class
}

// Succeeded reports whether the task reached the Acknowledged state
func (r Result) Succeeded() bool {
	return r.Err == nil && r.State == StateAcknowledged
}

// Outcome is the outcome of handling one queue delivery
type Outcome struct {
	Delivery    Delivery
	Disposition Disposition
	Results     []Result
	// Reason explains a dead-letter disposition
	Reason string
}
