package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for object keys that are empty or escape the
// bucket root.
var ErrInvalidKey = errors.New("invalid object key")

// Bucket stores objects under slash-separated keys.
type Bucket interface {
	// Put writes the object and returns its external pointer.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// LocalBucket stores objects as files under a root directory.
type LocalBucket struct {
	root    string
	baseURL string
}

var _ Bucket = (*LocalBucket)(nil)

// NewLocalBucket creates a LocalBucket rooted at dir. Pointers are
// baseURL/key when baseURL is set and file URLs otherwise.
func NewLocalBucket(dir, baseURL string) (*LocalBucket, error) {
	if dir == "" {
		return nil, errors.New("local storage directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalBucket{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put implements Bucket.
func (b *LocalBucket) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest := filepath.Join(b.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write object %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close object %s: %w", clean, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to publish object %s: %w", clean, err)
	}

	return b.URL(clean), nil
}

// URL returns the external pointer for key.
func (b *LocalBucket) URL(key string) string {
	if b.baseURL != "" {
		return b.baseURL + "/" + key
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(b.root, filepath.FromSlash(key)))}
	return u.String()
}

// CleanKey normalizes key and rejects keys that are empty or climb above the
// root.
func CleanKey(key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, `\`, "/")), "/")
	if clean == "" || clean == "." || strings.HasPrefix(key, "..") || strings.Contains(key, "/../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
