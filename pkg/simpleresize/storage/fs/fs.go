package fs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Backend is a filesystem implementation of the simpleresize.BlobStore interface.
// Keys map to paths below BaseDir.
type Backend struct {
	baseDir   string
	bucket    string
	urlPrefix string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir   string // Base directory for storing files
	Bucket    string // Name reported by Bucket(); defaults to the base directory name
	URLPrefix string // Optional URL prefix for locators; file:// URLs are used otherwise
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	bucket := config.Bucket
	if bucket == "" {
		bucket = filepath.Base(baseDir)
	}

	return &Backend{
		baseDir:   baseDir,
		bucket:    bucket,
		urlPrefix: strings.TrimRight(config.URLPrefix, "/"),
	}, nil
}

// Bucket returns the configured bucket name
func (b *Backend) Bucket() string {
	return b.bucket
}

// BaseDir returns the absolute directory objects are stored under
func (b *Backend) BaseDir() string {
	return b.baseDir
}

// path resolves key below baseDir, rejecting keys that would escape it
func (b *Backend) path(op, key string) (string, error) {
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if key == "" || !strings.HasPrefix(p, b.baseDir+string(os.PathSeparator)) {
		return "", &simpleresize.StorageError{Backend: "fs", Key: key, Op: op, Err: fmt.Errorf("%w: key escapes base directory", simpleresize.ErrObjectNotFound)}
	}
	return p, nil
}

// Get reads the file stored under key
func (b *Backend) Get(ctx context.Context, key string) (*simpleresize.UploadObject, error) {
	filePath, err := b.path("get", key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, b.wrap("get", key, err)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, b.wrap("get", key, err)
	}

	return &simpleresize.UploadObject{
		Bucket:      b.bucket,
		Key:         key,
		Data:        data,
		ContentType: mimetype.Detect(data).String(),
		Size:        int64(len(data)),
		UploadedAt:  info.ModTime(),
		ETag:        etag(data),
	}, nil
}

// Put writes data to a temporary file in the target directory and renames it
// into place, so readers never observe a partially written object
func (b *Backend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	filePath, err := b.path("put", key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return b.wrap("put", key, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return b.wrap("put", key, fmt.Errorf("failed to create file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return b.wrap("put", key, fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return b.wrap("put", key, fmt.Errorf("failed to close file: %w", err))
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return b.wrap("put", key, fmt.Errorf("failed to rename file: %w", err))
	}
	return nil
}

// Delete deletes the file and prunes empty parent directories
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.path("delete", key)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		return b.wrap("delete", key, err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// Stat retrieves metadata for an object in the filesystem
func (b *Backend) Stat(ctx context.Context, key string) (*simpleresize.ObjectMeta, error) {
	filePath, err := b.path("stat", key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, b.wrap("stat", key, err)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(filePath); err == nil {
		contentType = mtype.String()
	}

	return &simpleresize.ObjectMeta{
		Key:         key,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
		Metadata:    map[string]string{"content_type": contentType},
	}, nil
}

// URL returns URLPrefix/key when configured, a file:// URL otherwise
func (b *Backend) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	filePath, err := b.path("url", key)
	if err != nil {
		return "", err
	}
	if b.urlPrefix != "" {
		return b.urlPrefix + "/" + strings.TrimLeft(key, "/"), nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filePath)}
	return u.String(), nil
}

func (b *Backend) wrap(op, key string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("%w: %v", simpleresize.ErrObjectNotFound, err)
	}
	return &simpleresize.StorageError{Backend: "fs", Key: key, Op: op, Err: err}
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

var _ simpleresize.BlobStore = (*Backend)(nil)
