package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/logger"
)

const (
	jobKeyPrefix  = "renderd:job:"
	idemKeyPrefix = "renderd:idem:"
)

// releaseScript deletes the key only if it still holds the caller's job id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares job status and idempotency keys across replicas.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedis(redisURL string, ttl time.Duration, log *logger.Logger) (*Redis, error) {
	if log == nil {
		log = logger.Nop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl, log: log.WithComponent("jobstore.redis")}, nil
}

func (r *Redis) Put(ctx context.Context, rec models.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return r.client.Set(ctx, jobKeyPrefix+rec.JobID, data, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, jobID string) (models.JobRecord, error) {
	data, err := r.client.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return models.JobRecord{}, ErrNotFound
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to get job record: %w", err)
	}

	var rec models.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return rec, nil
}

func (r *Redis) ClaimKey(ctx context.Context, key, jobID string) (string, bool, error) {
	k := idemKeyPrefix + key
	ok, err := r.client.SetNX(ctx, k, jobID, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return jobID, true, nil
	}

	owner, err := r.client.Get(ctx, k).Result()
	if err == redis.Nil {
		// Expired or released between SETNX and GET.
		return r.ClaimKey(ctx, key, jobID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return owner, owner == jobID, nil
}

func (r *Redis) ReleaseKey(ctx context.Context, key, jobID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{idemKeyPrefix + key}, jobID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
