package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/awsconfig"
)

// Config options for the S3 backend
type Config struct {
	awsconfig.Options

	Bucket          string // S3 bucket name
	UsePathStyle    bool   // Use path-style addressing (default: false)
	PresignDuration int    // Default duration in seconds for presigned URLs (default: 3600)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// CreateBucketIfNotExist creates the bucket on startup (LocalStack, MinIO)
	CreateBucketIfNotExist bool
}

// API is the subset of the S3 client used by the backend
type API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs GET requests for derived-object locators
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Backend is an S3-compatible implementation of the simpleresize.BlobStore interface
type Backend struct {
	client          API
	uploader        *manager.Uploader
	presigner       Presigner
	bucket          string
	presignDuration time.Duration
	config          Config
}

// New creates a new S3-compatible storage backend
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	awsCfg, err := awsconfig.Load(ctx, config.Options)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := config.BaseEndpoint(); endpoint != nil {
			o.BaseEndpoint = endpoint
		}
		o.UsePathStyle = config.UsePathStyle
	})

	backend := NewWithClient(config, client, s3.NewPresignClient(client))

	if config.CreateBucketIfNotExist {
		if err := createBucketIfNotExists(ctx, client, config); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return backend, nil
}

// NewWithClient creates a backend over an existing client, mainly for tests
func NewWithClient(config Config, client API, presigner Presigner) *Backend {
	if config.PresignDuration == 0 {
		config.PresignDuration = 3600
	}
	return &Backend{
		client:          client,
		uploader:        manager.NewUploader(client),
		presigner:       presigner,
		bucket:          config.Bucket,
		presignDuration: time.Duration(config.PresignDuration) * time.Second,
		config:          config,
	}
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, config Config) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(config.Bucket),
	})
	if err == nil {
		return nil
	}

	// MinIO answers HeadBucket with BadRequest instead of NotFound
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "BadRequest") &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(config.Bucket),
	}
	if config.Region != "" && config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(config.Region),
		}
	}

	if _, err := client.CreateBucket(ctx, createInput); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "BucketAlreadyExists" || apiErr.ErrorCode() == "BucketAlreadyOwnedByYou") {
			return nil
		}
		return err
	}
	return nil
}

// Bucket returns the S3 bucket name
func (b *Backend) Bucket() string {
	return b.bucket
}

// Get downloads the object stored under key
func (b *Backend) Get(ctx context.Context, key string) (*simpleresize.UploadObject, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrap("get", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, b.wrap("get", key, fmt.Errorf("failed to read body: %w", err))
	}

	obj := &simpleresize.UploadObject{
		Bucket:      b.bucket,
		Key:         key,
		Data:        data,
		ContentType: aws.ToString(result.ContentType),
		Size:        int64(len(data)),
		ETag:        strings.Trim(aws.ToString(result.ETag), "\""),
	}
	if result.LastModified != nil {
		obj.UploadedAt = *result.LastModified
	}
	return obj, nil
}

// Put uploads data under key. Single-part uploads are atomic, so a failed
// attempt never leaves a partial object behind.
func (b *Backend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return b.PutWithMetadata(ctx, key, data, contentType, nil)
}

// PutWithMetadata uploads the object with user metadata (x-amz-meta-*)
func (b *Backend) PutWithMetadata(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if b.config.EnableSSE {
		switch b.config.SSEAlgorithm {
		case "AES256":
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		case "aws:kms":
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if b.config.SSEKMSKeyID != "" {
				input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
			}
		}
	}

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return b.wrap("put", key, err)
	}
	return nil
}

// Delete deletes the object. S3 reports success for missing keys.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrap("delete", key, err)
	}
	return nil
}

// Stat retrieves metadata for an object in S3
func (b *Backend) Stat(ctx context.Context, key string) (*simpleresize.ObjectMeta, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrap("stat", key, err)
	}

	contentType := "application/octet-stream"
	if result.ContentType != nil {
		contentType = *result.ContentType
	}

	metadata := make(map[string]string, len(result.Metadata)+1)
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	metadata["content_type"] = contentType

	meta := &simpleresize.ObjectMeta{
		Key:         key,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: contentType,
		ETag:        strings.Trim(aws.ToString(result.ETag), "\""),
		Metadata:    metadata,
	}
	if result.LastModified != nil {
		meta.UpdatedAt = *result.LastModified
	}
	return meta, nil
}

// URL returns a presigned GET URL valid for expiry, or the configured
// default when expiry is zero
func (b *Backend) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = b.presignDuration
	}

	result, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(b.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("inline"),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", b.wrap("presign", key, err)
	}
	return result.URL, nil
}

func (b *Backend) wrap(op, key string, err error) error {
	if isNotFound(err) {
		err = fmt.Errorf("%w: %v", simpleresize.ErrObjectNotFound, err)
	}
	return &simpleresize.StorageError{Backend: "s3", Key: key, Op: op, Err: err}
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var (
	_ simpleresize.BlobStore      = (*Backend)(nil)
	_ simpleresize.MetadataWriter = (*Backend)(nil)
)
