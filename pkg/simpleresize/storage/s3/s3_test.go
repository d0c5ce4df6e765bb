package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// fakeS3 keeps objects in a map. Multipart calls are not implemented; small
// bodies are uploaded with a single PutObject.
type fakeS3 struct {
	API

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-1"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   aws.String(f.types[aws.ToString(in.Key)]),
		ETag:          aws.String(`"etag-1"`),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentType:   aws.String(f.types[aws.ToString(in.Key)]),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(`"etag-1"`),
		Metadata:      map[string]string{"source": "test"},
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (p *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	p.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + aws.ToString(in.Bucket) + ".s3.amazonaws.com/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc",
		Method: http.MethodGet,
	}, nil
}

func TestS3Backend_New(t *testing.T) {
	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(context.Background(), Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("DefaultPresignDuration", func(t *testing.T) {
		b := NewWithClient(Config{Bucket: "derived"}, newFakeS3(), &fakePresigner{})
		assert.Equal(t, time.Hour, b.presignDuration)
		assert.Equal(t, "derived", b.Bucket())
	})
}

func TestS3Backend_Objects(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	presigner := &fakePresigner{}
	b := NewWithClient(Config{
		Bucket:       "derived",
		EnableSSE:    true,
		SSEAlgorithm: "AES256",
	}, fake, presigner)

	data := []byte("resized bytes")
	require.NoError(t, b.Put(ctx, "photos/cat_resized.jpg", data, "image/jpeg"))
	require.Len(t, fake.puts, 1)
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.puts[0].ServerSideEncryption)
	assert.Equal(t, "image/jpeg", aws.ToString(fake.puts[0].ContentType))

	require.NoError(t, b.PutWithMetadata(ctx, "photos/dog_resized.jpg", data, "image/jpeg", map[string]string{"source-etag": "abc"}))
	require.Len(t, fake.puts, 2)
	assert.Equal(t, map[string]string{"source-etag": "abc"}, fake.puts[1].Metadata)

	obj, err := b.Get(ctx, "photos/cat_resized.jpg")
	require.NoError(t, err)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, "etag-1", obj.ETag)
	assert.Equal(t, "derived", obj.Bucket)

	meta, err := b.Stat(ctx, "photos/cat_resized.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, "test", meta.Metadata["source"])
	assert.Equal(t, "image/jpeg", meta.Metadata["content_type"])

	u, err := b.URL(ctx, "photos/cat_resized.jpg", 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "derived.s3.amazonaws.com/photos/cat_resized.jpg")
	assert.Equal(t, 10*time.Minute, presigner.expires)

	_, err = b.URL(ctx, "photos/cat_resized.jpg", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, presigner.expires)

	require.NoError(t, b.Delete(ctx, "photos/cat_resized.jpg"))
	_, err = b.Get(ctx, "photos/cat_resized.jpg")
	assert.ErrorIs(t, err, simpleresize.ErrObjectNotFound)
	_, err = b.Stat(ctx, "photos/cat_resized.jpg")
	assert.ErrorIs(t, err, simpleresize.ErrObjectNotFound)
}
