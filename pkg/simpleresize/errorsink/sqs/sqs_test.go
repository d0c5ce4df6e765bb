package sqs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("id")}, nil
}

func TestSink_Report(t *testing.T) {
	fake := &fakeSQS{}
	sink := NewWithClient("https://sqs/errors", fake)

	record := simpleresize.ErrorRecord{
		SourceBucket: "uploads",
		SourceKey:    "photos/broken.jpg",
		FailureKind:  simpleresize.KindUnsupportedFormat,
		Message:      "unsupported image format",
		Attempt:      1,
		State:        simpleresize.StateTransforming,
		OccurredAt:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Report(context.Background(), record))
	require.Len(t, fake.sent, 1)

	in := fake.sent[0]
	assert.Equal(t, "https://sqs/errors", aws.ToString(in.QueueUrl))
	assert.Equal(t, "UnsupportedFormat", aws.ToString(in.MessageAttributes["FailureKind"].StringValue))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, "photos/broken.jpg", body["sourceKey"])
	assert.Equal(t, "UnsupportedFormat", body["failureKind"])
	assert.Equal(t, "Transforming", body["state"])
}

func TestNew_RequiresQueueURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.EqualError(t, err, "queue URL is required")
}
