// Package sqs ships error records as JSON messages to an SQS queue, where
// operators or an alerting consumer can inspect them.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/awsconfig"
)

// Config options for the SQS error sink
type Config struct {
	awsconfig.Options

	QueueURL string
}

// API is the subset of the SQS client used by Sink
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Sink implements simpleresize.ErrorSink on SQS
type Sink struct {
	client   API
	queueURL string
}

// New creates a sink from config
func New(ctx context.Context, cfg Config) (*Sink, error) {
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
	return NewWithClient(cfg.QueueURL, client), nil
}

// NewWithClient wraps an existing client
func NewWithClient(queueURL string, client API) *Sink {
	return &Sink{client: client, queueURL: queueURL}
}

// Report sends record as a JSON message
func (s *Sink) Report(ctx context.Context, record simpleresize.ErrorRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"FailureKind": {DataType: aws.String("String"), StringValue: aws.String(string(record.FailureKind))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send error record: %w", err)
	}
	return nil
}

var _ simpleresize.ErrorSink = (*Sink)(nil)
