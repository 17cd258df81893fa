// Package gcs implements storage.Bucket on Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/phrazzld/studio-queue/internal/config"
	studiostorage "github.com/phrazzld/studio-queue/internal/storage"
	"go.uber.org/multierr"
)

// Bucket writes objects into one GCS bucket under an optional prefix.
type Bucket struct {
	client        *storage.Client
	name          string
	prefix        string
	publicBaseURL string
	logger        *slog.Logger
}

var _ studiostorage.Bucket = (*Bucket)(nil)

// NewBucket creates a client using application default credentials.
func NewBucket(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name cannot be empty")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Bucket{
		client:        client,
		name:          cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        logger.With(slog.String("component", "gcs")),
	}, nil
}

// Put implements storage.Bucket.
func (b *Bucket) Put(ctx context.Context, key string, r io.Reader, contentType string) (_ string, err error) {
	clean, err := studiostorage.CleanKey(key)
	if err != nil {
		return "", err
	}
	object := b.objectName(clean)

	w := b.client.Bucket(b.name).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	defer func() {
		// Close commits the object.
		err = multierr.Append(err, w.Close())
	}()

	if _, err := io.Copy(w, r); err != nil {
		return "", fmt.Errorf("failed to write gs://%s/%s: %w", b.name, object, err)
	}

	b.logger.DebugContext(ctx, "object written",
		slog.String("object", object),
		slog.String("content_type", contentType))
	return b.URL(object), nil
}

// URL returns the public pointer for an object name.
func (b *Bucket) URL(object string) string {
	if b.publicBaseURL != "" {
		return b.publicBaseURL + "/" + object
	}
	u := url.URL{Scheme: "https", Host: "storage.googleapis.com", Path: "/" + b.name + "/" + object}
	return u.String()
}

// Close releases the client.
func (b *Bucket) Close() error {
	return b.client.Close()
}

func (b *Bucket) objectName(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}
