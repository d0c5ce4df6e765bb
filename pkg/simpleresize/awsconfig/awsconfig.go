// Package awsconfig loads the shared AWS configuration used by the S3, SQS and
// SNS adapters.
package awsconfig

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Options selects region and credentials. Empty credentials fall back to the
// default credential chain.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint for S3/SQS/SNS compatible
	// services such as LocalStack or MinIO
	Endpoint string
}

// Load resolves an aws.Config from opts
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// BaseEndpoint returns the endpoint override as a *string, nil when unset
func (o Options) BaseEndpoint() *string {
	if o.Endpoint == "" {
		return nil
	}
	return aws.String(o.Endpoint)
}
