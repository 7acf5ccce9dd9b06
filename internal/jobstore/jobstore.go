// Package jobstore keeps per-job status records and the idempotency-key
// index. Records expire after a TTL; nothing here survives as history.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/logger"
)

var ErrNotFound = errors.New("job not found")

// Store is implemented by the in-memory and Redis backends.
type Store interface {
	// Put creates or replaces the record for rec.JobID.
	Put(ctx context.Context, rec models.JobRecord) error
	Get(ctx context.Context, jobID string) (models.JobRecord, error)

	// ClaimKey binds an idempotency key to jobID if the key is free. When
	// it is already bound, the owning job id is returned with claimed=false.
	ClaimKey(ctx context.Context, key, jobID string) (owner string, claimed bool, err error)
	// ReleaseKey unbinds key, but only while it still belongs to jobID.
	ReleaseKey(ctx context.Context, key, jobID string) error

	Close() error
}

// New returns a Redis store when redisURL is set, otherwise an in-memory one.
func New(redisURL string, ttl time.Duration, log *logger.Logger) (Store, error) {
	if redisURL == "" {
		return NewMemory(ttl), nil
	}
	return NewRedis(redisURL, ttl, log)
}
