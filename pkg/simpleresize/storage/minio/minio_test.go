package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

type mockAccess struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	getErr   error
	statErr  error
}

var _ objectAccess = &mockAccess{}

func (m *mockAccess) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return io.NopCloser(bytes.NewReader(m.objects[objectName])), nil
}

func (m *mockAccess) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.objects[objectName] = data
	if len(opts.UserMetadata) > 0 {
		if m.metadata == nil {
			m.metadata = map[string]map[string]string{}
		}
		m.metadata[objectName] = opts.UserMetadata
	}
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: size}, nil
}

func (m *mockAccess) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	delete(m.objects, objectName)
	return nil
}

func (m *mockAccess) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if m.statErr != nil {
		return minio.ObjectInfo{}, m.statErr
	}
	data, ok := m.objects[objectName]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	}
	return minio.ObjectInfo{
		Key:          objectName,
		Size:         int64(len(data)),
		ETag:         "abc123",
		ContentType:  "image/jpeg",
		UserMetadata: m.metadata[objectName],
	}, nil
}

func (m *mockAccess) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return url.Parse("http://minio:9000/" + bucketName + "/" + objectName + "?X-Amz-Expires=" + expires.String())
}

func TestMinioBackend(t *testing.T) {
	ctx := context.Background()
	mock := &mockAccess{objects: map[string][]byte{}}
	b := &Backend{client: mock, bucket: "uploads"}

	require.NoError(t, b.Put(ctx, "photos/cat.jpg", []byte("jpeg"), "image/jpeg"))

	obj, err := b.Get(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), obj.Data)
	assert.Equal(t, "abc123", obj.ETag)
	assert.Equal(t, "uploads", obj.Bucket)

	meta, err := b.Stat(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(4), meta.Size)

	require.NoError(t, b.PutWithMetadata(ctx, "photos/cat_resized.jpg", []byte("small"), "image/jpeg", map[string]string{"source-etag": "abc123"}))
	meta, err = b.Stat(ctx, "photos/cat_resized.jpg")
	require.NoError(t, err)
	assert.Equal(t, "abc123", meta.Metadata["source-etag"])

	u, err := b.URL(ctx, "photos/cat.jpg", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "/uploads/photos/cat.jpg")

	require.NoError(t, b.Delete(ctx, "photos/cat.jpg"))
	_, err = b.Get(ctx, "photos/cat.jpg")
	assert.ErrorIs(t, err, simpleresize.ErrObjectNotFound)
}

func TestMinioBackend_TransientErrorsAreNotNotFound(t *testing.T) {
	ctx := context.Background()
	mock := &mockAccess{
		objects: map[string][]byte{"k": []byte("x")},
		getErr:  errors.New("connection reset"),
	}
	b := &Backend{client: mock, bucket: "uploads"}

	_, err := b.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, simpleresize.ErrObjectNotFound)
	assert.Equal(t, simpleresize.KindTransientStoreError, simpleresize.Classify(err))

	mock.getErr = nil
	mock.statErr = minio.ErrorResponse{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist.",
		StatusCode: http.StatusNotFound,
	}
	_, err = b.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, simpleresize.ErrObjectNotFound)
	assert.Equal(t, simpleresize.KindTransientStoreError, simpleresize.Classify(err))
	assert.True(t, simpleresize.Classify(err).Retryable())

	_, err = b.Stat(ctx, "k")
	assert.NotErrorIs(t, err, simpleresize.ErrObjectNotFound)
}

func TestMinioBackend_NewValidates(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:9000"})
	assert.EqualError(t, err, "bucket name is required")

	_, err = New(context.Background(), Config{Bucket: "b"})
	assert.EqualError(t, err, "endpoint is required")
}
