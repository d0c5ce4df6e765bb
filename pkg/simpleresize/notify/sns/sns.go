// Package sns publishes completion events to an Amazon SNS topic. Each publish
// uses a JSON message structure so protocol subscribers get a tailored body:
// email subscribers receive a sentence with the link, every other protocol
// receives the JSON event.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/awsconfig"
)

// Config options for the SNS publisher
type Config struct {
	awsconfig.Options

	TopicARN string
	// Subject is used by email subscribers (default "Your image has been resized")
	Subject string
}

// API is the subset of the SNS client used by Publisher
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher implements simpleresize.Publisher on SNS
type Publisher struct {
	client API
	cfg    Config
}

// New creates a publisher from config
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.Options)
	if err != nil {
		return nil, err
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint := cfg.BaseEndpoint(); endpoint != nil {
			o.BaseEndpoint = endpoint
		}
	})
	return NewWithClient(cfg, client), nil
}

// NewWithClient wraps an existing client
func NewWithClient(cfg Config, client API) *Publisher {
	if cfg.Subject == "" {
		cfg.Subject = "Your image has been resized"
	}
	return &Publisher{client: client, cfg: cfg}
}

// Publish sends the event to the topic
func (p *Publisher) Publish(ctx context.Context, event simpleresize.CompletionEvent) error {
	message, err := Message(event)
	if err != nil {
		return err
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:         aws.String(p.cfg.TopicARN),
		Subject:          aws.String(p.cfg.Subject),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_id":     {DataType: aws.String("String"), StringValue: aws.String(event.ID)},
			"target_key":   {DataType: aws.String("String"), StringValue: aws.String(event.TargetKey)},
			"content_type": {DataType: aws.String("String"), StringValue: aws.String(event.ContentType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS topic %s: %w", p.cfg.TopicARN, err)
	}
	return nil
}

// Message renders the per-protocol message document for event
func Message(event simpleresize.CompletionEvent) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion event: %w", err)
	}

	doc, err := json.Marshal(map[string]string{
		"default": string(body),
		"email":   fmt.Sprintf("Your image %s has been resized. Download it here: %s", event.SourceKey, event.DerivedLocator),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message structure: %w", err)
	}
	return string(doc), nil
}

var _ simpleresize.Publisher = (*Publisher)(nil)
