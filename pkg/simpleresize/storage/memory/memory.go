package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tendant/simple-resize/pkg/simpleresize"
)

type object struct {
	data        []byte
	contentType string
	etag        string
	updatedAt   time.Time
	metadata    map[string]string
}

// Backend is an in-memory implementation of the simpleresize.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]object
}

// New creates a new in-memory storage backend for bucket
func New(bucket string) *Backend {
	return &Backend{
		bucket:  bucket,
		objects: make(map[string]object),
	}
}

// Bucket returns the bucket name the backend was created with
func (b *Backend) Bucket() string {
	return b.bucket
}

// Get returns a copy of the object stored under key
func (b *Backend) Get(ctx context.Context, key string) (*simpleresize.UploadObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, b.notFound("get", key)
	}

	return &simpleresize.UploadObject{
		Bucket:      b.bucket,
		Key:         key,
		Data:        append([]byte(nil), obj.data...),
		ContentType: obj.contentType,
		Size:        int64(len(obj.data)),
		UploadedAt:  obj.updatedAt,
		ETag:        obj.etag,
	}, nil
}

// Put stores a copy of data under key, replacing any previous object
func (b *Backend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return b.PutWithMetadata(ctx, key, data, contentType, nil)
}

// PutWithMetadata is Put with user metadata reported back by Stat
func (b *Backend) PutWithMetadata(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := md5.Sum(data)
	obj := object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		etag:        hex.EncodeToString(sum[:]),
		updatedAt:   time.Now().UTC(),
		metadata:    make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		obj.metadata[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = obj
	return nil
}

// Delete removes key
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return b.notFound("delete", key)
	}
	delete(b.objects, key)
	return nil
}

// Stat retrieves metadata for an object in memory
func (b *Backend) Stat(ctx context.Context, key string) (*simpleresize.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, b.notFound("stat", key)
	}
	metadata := make(map[string]string, len(obj.metadata)+1)
	for k, v := range obj.metadata {
		metadata[k] = v
	}
	metadata["mime_type"] = obj.contentType
	return &simpleresize.ObjectMeta{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		UpdatedAt:   obj.updatedAt,
		ETag:        obj.etag,
		Metadata:    metadata,
	}, nil
}

// URL returns a memory:// locator. In-memory objects cannot be fetched remotely,
// so the locator only identifies the object.
func (b *Backend) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Host: b.bucket, Path: "/" + key}
	return u.String(), nil
}

// Keys returns the stored keys, for tests and the local CLI
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored objects
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

func (b *Backend) notFound(op, key string) error {
	return &simpleresize.StorageError{
		Backend: "memory",
		Key:     key,
		Op:      op,
		Err:     fmt.Errorf("%w: %s/%s", simpleresize.ErrObjectNotFound, b.bucket, key),
	}
}

var (
	_ simpleresize.BlobStore      = (*Backend)(nil)
	_ simpleresize.MetadataWriter = (*Backend)(nil)
)
