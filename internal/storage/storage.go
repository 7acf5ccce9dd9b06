// Package storage publishes finished renders to blob storage.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bobarin/renderd/internal/config"
	"github.com/bobarin/renderd/internal/pkg/logger"
)

// PutInput uploads one local file.
type PutInput struct {
	Bucket      string
	Key         string
	LocalPath   string
	ContentType string
}

// Blob is a storage backend. Put makes a single attempt and overwrites an
// existing object at the same key; the caller owns retries.
type Blob interface {
	Provider() string
	Put(ctx context.Context, in PutInput) error
	PublicURL(bucket, key string) string
}

// New builds the backend selected by cfg.StorageProvider.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Blob, error) {
	switch cfg.StorageProvider {
	case "supabase":
		return NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, log), nil
	case "s3":
		return NewS3(ctx, S3Config{
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
		}, log)
	case "localfs":
		return NewLocalFS(cfg.StorageLocalRoot, cfg.StorageLocalBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.StorageProvider)
	}
}

// escapeKey escapes each segment of a slash-separated key for use in a URL.
func escapeKey(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
