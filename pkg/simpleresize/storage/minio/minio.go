// Package minio provides a BlobStore backed by a MinIO (or other S3-compatible)
// server through the minio-go SDK.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Config has the parameters used to connect to MinIO.
type Config struct {
	Endpoint  string // host:port of the server
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Insecure  bool // plain HTTP, for self-hosted servers

	CreateBucketIfNotExist bool
}

// objectAccess defines the minio SDK calls the backend uses, so tests can
// substitute a fake.
type objectAccess interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// client wraps a *minio.Client so GetObject returns an io.ReadCloser rather
// than a *minio.Object.
type client struct {
	ref *minio.Client
}

var _ objectAccess = &client{}

func (c *client) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return c.ref.GetObject(ctx, bucketName, objectName, opts)
}

func (c *client) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.ref.PutObject(ctx, bucketName, objectName, reader, size, opts)
}

func (c *client) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return c.ref.RemoveObject(ctx, bucketName, objectName, opts)
}

func (c *client) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return c.ref.StatObject(ctx, bucketName, objectName, opts)
}

func (c *client) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return c.ref.PresignedGetObject(ctx, bucketName, objectName, expires, reqParams)
}

// Backend implements simpleresize.BlobStore on a MinIO bucket
type Backend struct {
	client objectAccess
	bucket string
}

// New connects to the server described by config
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: !config.Insecure,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if config.CreateBucketIfNotExist {
		exists, err := minioClient.BucketExists(ctx, config.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket: %w", err)
		}
		if !exists {
			if err := minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
				return nil, fmt.Errorf("failed to create bucket: %w", err)
			}
		}
	}

	return &Backend{client: &client{ref: minioClient}, bucket: config.Bucket}, nil
}

// Bucket returns the bucket name
func (b *Backend) Bucket() string {
	return b.bucket
}

// Get downloads the object stored under key
func (b *Backend) Get(ctx context.Context, key string) (*simpleresize.UploadObject, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, b.wrap("get", key, err)
	}

	// pin the read to the version just stat'ed
	opts := minio.GetObjectOptions{}
	if info.ETag != "" {
		if err := opts.SetMatchETag(info.ETag); err != nil {
			return nil, b.wrap("get", key, err)
		}
	}

	reader, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, b.wrap("get", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, b.wrap("get", key, err)
	}

	return &simpleresize.UploadObject{
		Bucket:      b.bucket,
		Key:         key,
		Data:        data,
		ContentType: info.ContentType,
		Size:        int64(len(data)),
		UploadedAt:  info.LastModified,
		ETag:        strings.Trim(info.ETag, "\""),
	}, nil
}

// Put uploads data in a single request
func (b *Backend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return b.PutWithMetadata(ctx, key, data, contentType, nil)
}

// PutWithMetadata uploads the object with user metadata
func (b *Backend) PutWithMetadata(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return b.wrap("put", key, err)
	}
	return nil
}

// Delete removes key; missing keys are not an error
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return b.wrap("delete", key, err)
	}
	return nil
}

// Stat returns object metadata
func (b *Backend) Stat(ctx context.Context, key string) (*simpleresize.ObjectMeta, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, b.wrap("stat", key, err)
	}
	metadata := make(map[string]string, len(info.UserMetadata)+1)
	for k, v := range info.UserMetadata {
		metadata[k] = v
	}
	metadata["content_type"] = info.ContentType
	return &simpleresize.ObjectMeta{
		Key:         key,
		Size:        info.Size,
		ContentType: info.ContentType,
		UpdatedAt:   info.LastModified,
		ETag:        strings.Trim(info.ETag, "\""),
		Metadata:    metadata,
	}, nil
}

// URL returns a presigned GET URL
func (b *Backend) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, expiry, nil)
	if err != nil {
		return "", b.wrap("presign", key, err)
	}
	return u.String(), nil
}

func (b *Backend) wrap(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	// NoSuchBucket also carries a 404 but is a deployment fault, so it stays retryable.
	if resp.Code == "NoSuchKey" {
		err = fmt.Errorf("%w: %v", simpleresize.ErrObjectNotFound, err)
	}
	return &simpleresize.StorageError{Backend: "minio", Key: key, Op: op, Err: err}
}

var (
	_ simpleresize.BlobStore      = (*Backend)(nil)
	_ simpleresize.MetadataWriter = (*Backend)(nil)
)
