// Package publisher uploads a finished render and reports where it landed.
package publisher

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/pkg/retry"
	"github.com/bobarin/renderd/internal/storage"
)

const contentType = "video/mp4"

type Options struct {
	Bucket     string // used when the job names none
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxConcurrent bounds simultaneous uploads across jobs.
	MaxConcurrent int
}

type Result struct {
	URL      string
	Bucket   string
	Key      string
	Bytes    int64
	Elapsed  time.Duration
	Attempts int
}

type Publisher struct {
	blob      storage.Blob
	opts      Options
	uploadSem chan struct{}
	log       *logger.Logger
}

func New(blob storage.Blob, opts Options, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Publisher{
		blob:      blob,
		opts:      opts,
		uploadSem: make(chan struct{}, opts.MaxConcurrent),
		log:       log.WithComponent("publisher"),
	}
}

// Publish uploads localPath to bucket/key, retrying transient failures.
// The local file is left in place; the workspace owns it.
func (p *Publisher) Publish(ctx context.Context, localPath, bucket, key string) (Result, error) {
	if bucket == "" {
		bucket = p.opts.Bucket
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, apperr.Publish(key, fmt.Errorf("failed to stat output: %w", err))
	}

	log := p.log.FromContext(ctx).With("bucket", bucket, "key", key, "bytes", info.Size())

	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, apperr.Canceled(apperr.StageUpload, ctx.Err())
	}
	defer func() { <-p.uploadSem }()

	started := time.Now()
	attempts := 0
	policy := retry.Policy{
		MaxRetries: p.opts.MaxRetries,
		BaseDelay:  p.opts.BaseDelay,
		MaxDelay:   p.opts.MaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("upload failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return p.blob.Put(ctx, storage.PutInput{
			Bucket:      bucket,
			Key:         key,
			LocalPath:   localPath,
			ContentType: contentType,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, apperr.Canceled(apperr.StageUpload, err)
		}
		log.Error("upload failed", "attempts", attempts, "error", err)
		return Result{}, apperr.Publish(key, err).WithField("attempts", attempts)
	}

	res := Result{
		URL:      p.blob.PublicURL(bucket, key),
		Bucket:   bucket,
		Key:      key,
		Bytes:    info.Size(),
		Elapsed:  time.Since(started),
		Attempts: attempts,
	}
	log.Info("upload complete", "provider", p.blob.Provider(), "attempts", attempts, "elapsed", res.Elapsed)
	return res, nil
}

// ObjectKey builds "<dir>/<name>.mp4". The name falls back to the job id so
// a caller that retries with the same job name overwrites the same object.
func ObjectKey(dir, jobName, jobID string) string {
	name := sanitize(strings.TrimSuffix(strings.TrimSpace(jobName), ".mp4"))
	if name == "" {
		name = jobID
	}
	name += ".mp4"

	var parts []string
	for _, seg := range strings.Split(dir, "/") {
		if s := sanitize(seg); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
}
