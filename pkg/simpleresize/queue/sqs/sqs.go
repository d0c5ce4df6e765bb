// Package sqs adapts an Amazon SQS queue to simpleresize.Queue. The queue is
// expected to carry S3 event notifications, either directly or wrapped in an
// SNS envelope.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/awsconfig"
)

// Config options for the SQS queue
type Config struct {
	awsconfig.Options

	QueueURL string
	// DeadLetterQueueURL receives dead-lettered messages. When empty, DeadLetter
	// leaves the message in place so the queue's redrive policy moves it.
	DeadLetterQueueURL string
	// WaitTimeSeconds enables long polling (0-20, default 20)
	WaitTimeSeconds int32
	// VisibilityTimeout overrides the queue default for received messages, in seconds
	VisibilityTimeout int32
	// RetryDelay shortens the visibility of abandoned messages; zero keeps
	// the remaining visibility timeout
	RetryDelay time.Duration
}

// API is the subset of the SQS client used by Queue
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Queue implements simpleresize.Queue on SQS
type Queue struct {
	client API
	cfg    Config
}

// New creates a queue client from config
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("queue URL is required")
	}

	awsCfg, err := awsconfig.Load(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := cfg.BaseEndpoint(); endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	})
	return NewWithClient(cfg, client), nil
}

// NewWithClient wraps an existing client
func NewWithClient(cfg Config, client API) *Queue {
	if cfg.WaitTimeSeconds <= 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	return &Queue{client: client, cfg: cfg}
}

// Receive long-polls for up to max messages (SQS caps a batch at 10)
func (q *Queue) Receive(ctx context.Context, max int) ([]simpleresize.Delivery, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if q.cfg.VisibilityTimeout > 0 {
		input.VisibilityTimeout = q.cfg.VisibilityTimeout
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from SQS: %w", err)
	}

	now := time.Now()
	deliveries := make([]simpleresize.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		attempt := 1
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				attempt = n
			}
		}
		deliveries = append(deliveries, simpleresize.Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			Attempt:       attempt,
			ReceivedAt:    now,
		})
	}
	return deliveries, nil
}

// Ack deletes the message
func (q *Queue) Ack(ctx context.Context, d simpleresize.Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete SQS message %s: %w", d.MessageID, err)
	}
	return nil
}

// Abandon leaves the message in flight. With RetryDelay set, its visibility
// timeout is shortened so the redelivery happens sooner.
func (q *Queue) Abandon(ctx context.Context, d simpleresize.Delivery) error {
	if q.cfg.RetryDelay <= 0 {
		return nil
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(d.ReceiptHandle),
		VisibilityTimeout: int32(q.cfg.RetryDelay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to change visibility of SQS message %s: %w", d.MessageID, err)
	}
	return nil
}

// DeadLetter copies the message to the dead-letter queue and deletes the original
func (q *Queue) DeadLetter(ctx context.Context, d simpleresize.Delivery, reason string) error {
	if q.cfg.DeadLetterQueueURL == "" {
		// the redrive policy moves the message once maxReceiveCount is exceeded
		return q.Abandon(ctx, d)
	}

	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.DeadLetterQueueURL),
		MessageBody: aws.String(string(d.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"DeadLetterReason":  {DataType: aws.String("String"), StringValue: aws.String(reason)},
			"OriginalMessageId": {DataType: aws.String("String"), StringValue: aws.String(d.MessageID)},
			"Attempt":           {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(d.Attempt))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send SQS message %s to dead-letter queue: %w", d.MessageID, err)
	}
	return q.Ack(ctx, d)
}

// Close is a no-op; the SDK client holds no persistent connections to release
func (q *Queue) Close() error {
	return nil
}

// Send enqueues body, used by tests and the local producer
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send SQS message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

var _ simpleresize.Queue = (*Queue)(nil)
