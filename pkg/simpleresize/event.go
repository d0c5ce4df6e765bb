package simpleresize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ChangeRecord is one object-created notification emitted by the original store
type ChangeRecord struct {
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	EventName string
	EventTime time.Time
}

// s3Notification covers the S3 event notification schema, the S3 test event
// and the SNS envelope used when notifications are fanned out through a topic
type s3Notification struct {
	Records []s3Record `json:"Records"`
	Event   string     `json:"Event,omitempty"`

	Type    string `json:"Type,omitempty"`
	Message string `json:"Message,omitempty"`
}

type s3Record struct {
	EventSource string    `json:"eventSource"`
	EventName   string    `json:"eventName"`
	EventTime   time.Time `json:"eventTime"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
			ETag string `json:"eTag"`
		} `json:"object"`
	} `json:"s3"`
}

const testEventName = "s3:TestEvent"

// ParseNotification decodes a change-notification message body. Test events
// and records for non-create events yield no records and no error. Bodies that
// cannot be decoded return an error wrapping ErrInvalidEvent.
func ParseNotification(body []byte) ([]ChangeRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty message body", ErrInvalidEvent)
	}

	var msg s3Notification
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if msg.Type == "Notification" && msg.Message != "" {
		return ParseNotification([]byte(msg.Message))
	}

	if msg.Event == testEventName {
		return nil, nil
	}

	if msg.Records == nil {
		return nil, fmt.Errorf("%w: message has no Records", ErrInvalidEvent)
	}

	records := make([]ChangeRecord, 0, len(msg.Records))
	for i, r := range msg.Records {
		if r.EventName != "" && !isCreateEvent(r.EventName) {
			continue
		}
		if r.S3.Bucket.Name == "" {
			return nil, fmt.Errorf("%w: record %d has no bucket", ErrInvalidEvent, i)
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %v", ErrInvalidEvent, i, r.S3.Object.Key, err)
		}
		records = append(records, ChangeRecord{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			Size:      r.S3.Object.Size,
			ETag:      strings.Trim(r.S3.Object.ETag, "\""),
			EventName: r.EventName,
			EventTime: r.EventTime,
		})
	}
	return records, nil
}

// isCreateEvent accepts both "ObjectCreated:Put" (AWS) and "s3:ObjectCreated:Put" (MinIO)
func isCreateEvent(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "s3:"), "ObjectCreated:")
}

// NewNotification builds an S3-style notification body for one created object.
// Producers that do not emit S3 events use it to feed the queue.
func NewNotification(bucket, key string, size int64, etag string, at time.Time) ([]byte, error) {
	var r s3Record
	r.EventSource = "aws:s3"
	r.EventName = "ObjectCreated:Put"
	r.EventTime = at.UTC()
	r.S3.Bucket.Name = bucket
	r.S3.Object.Key = strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
	r.S3.Object.Size = size
	r.S3.Object.ETag = etag
	return json.Marshal(s3Notification{Records: []s3Record{r}})
}
