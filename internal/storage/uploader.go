package storage

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultConcurrency = 4
	uploadRetries      = 3
)

// UploadSummary describes a completed directory upload.
type UploadSummary struct {
	// Manifest maps slash-separated paths relative to the uploaded directory
	// to external pointers.
	Manifest map[string]string
	Files    int
	Bytes    int64
}

// HumanSize returns the total upload size for progress messages.
func (s UploadSummary) HumanSize() string {
	return humanize.Bytes(uint64(s.Bytes))
}

// Uploader copies local files into a Bucket.
type Uploader struct {
	bucket      Bucket
	concurrency int
	retryBase   time.Duration
	logger      *slog.Logger
}

// NewUploader creates an Uploader running at most concurrency uploads at once.
func NewUploader(bucket Bucket, concurrency int, logger *slog.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Uploader{
		bucket:      bucket,
		concurrency: concurrency,
		retryBase:   500 * time.Millisecond,
		logger:      logger.With(slog.String("component", "uploader")),
	}
}

// UploadFile uploads one file under key and returns its pointer.
func (u *Uploader) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type of %s: %w", localPath, err)
	}

	var pointer string
	backoff := retry.WithMaxRetries(uploadRetries, retry.NewExponential(u.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", localPath, err)
		}
		defer f.Close()

		pointer, err = u.bucket.Put(ctx, key, f, mtype.String())
		if err != nil {
			u.logger.WarnContext(ctx, "upload attempt failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return pointer, nil
}

// UploadBytes uploads data under key. An empty contentType is sniffed from
// the content.
func (u *Uploader) UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	var pointer string
	backoff := retry.WithMaxRetries(uploadRetries, retry.NewExponential(u.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		pointer, err = u.bucket.Put(ctx, key, bytes.NewReader(data), contentType)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return pointer, nil
}

// UploadDirectory uploads every regular file below dir under prefix. The
// first failure cancels the remaining uploads.
func (u *Uploader) UploadDirectory(ctx context.Context, dir, prefix string) (*UploadSummary, error) {
	type file struct {
		rel  string
		full string
		size int64
	}
	var files []file
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, file{rel: filepath.ToSlash(rel), full: p, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	summary := &UploadSummary{Manifest: make(map[string]string, len(files))}
	var mu sync.Mutex

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(u.concurrency)
	for _, f := range files {
		p.Go(func(ctx context.Context) error {
			pointer, err := u.UploadFile(ctx, f.full, path.Join(prefix, f.rel))
			if err != nil {
				return err
			}
			mu.Lock()
			summary.Manifest[f.rel] = pointer
			summary.Files++
			summary.Bytes += f.size
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	u.logger.InfoContext(ctx, "directory uploaded",
		slog.String("prefix", prefix),
		slog.Int("files", summary.Files),
		slog.String("size", summary.HumanSize()))
	return summary, nil
}
