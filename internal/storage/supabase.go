package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/pkg/retry"
)

// Upload timeout per attempt, generous for large renders.
const uploadTimeout = 180 * time.Second

// Supabase talks to the Supabase Storage REST API.
type Supabase struct {
	url        string
	serviceKey string
	client     *http.Client
	log        *logger.Logger
}

func NewSupabase(url, serviceKey string, log *logger.Logger) *Supabase {
	if log == nil {
		log = logger.Nop()
	}
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.WithComponent("storage.supabase"),
	}
}

func (s *Supabase) Provider() string { return "supabase" }

// Put streams the file with PUT, Content-Length and x-upsert so a retried
// request overwrites instead of conflicting.
func (s *Supabase) Put(ctx context.Context, in PutInput) error {
	f, err := os.Open(in.LocalPath)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to open %s: %w", in.LocalPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to stat %s: %w", in.LocalPath, err))
	}

	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, in.Bucket, escapeKey(in.Key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, f)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", in.ContentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	se := &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if retry.IsRetryableStatus(resp.StatusCode) {
		return se
	}
	// Non-retryable status (400, 401, 403, 404, 413, etc.)
	return retry.Permanent(se)
}

// PublicURL returns the public URL for an object in a public bucket.
func (s *Supabase) PublicURL(bucket, key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, bucket, escapeKey(key))
}
