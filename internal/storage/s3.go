package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/pkg/retry"
)

// S3Config configures an S3 or S3-compatible backend. Credentials come from
// the standard AWS chain.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, R2, ...).
	Endpoint string
	// PublicBaseURL, when set, prefixes public object URLs (e.g. a CDN).
	PublicBaseURL string
	UsePathStyle  bool
}

// S3 uploads with the AWS SDK for Go v2.
type S3 struct {
	client *s3.Client
	cfg    S3Config
	log    *logger.Logger
}

func NewS3(ctx context.Context, cfg S3Config, log *logger.Logger) (*S3, error) {
	if log == nil {
		log = logger.Nop()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// The publisher owns retries.
		o.RetryMaxAttempts = 1
	})
	return &S3{client: client, cfg: cfg, log: log.WithComponent("storage.s3")}, nil
}

func (s *S3) Provider() string { return "s3" }

// Put uploads the file with PutObject. S3 overwrites existing keys.
func (s *S3) Put(ctx context.Context, in PutInput) error {
	f, err := os.Open(in.LocalPath)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to open %s: %w", in.LocalPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to stat %s: %w", in.LocalPath, err))
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(in.Bucket),
		Key:           aws.String(strings.TrimLeft(in.Key, "/")),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// classifyS3Error maps SDK errors onto the retry taxonomy.
func classifyS3Error(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		se := &retry.StatusError{StatusCode: respErr.HTTPStatusCode(), Body: err.Error()}
		if retry.IsRetryableStatus(se.StatusCode) {
			return se
		}
		return retry.Permanent(se)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return &retry.StatusError{StatusCode: http.StatusServiceUnavailable, Body: err.Error()}
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return &retry.StatusError{StatusCode: http.StatusBadGateway, Body: err.Error()}
		}
		return retry.Permanent(fmt.Errorf("s3 %s: %w", apiErr.ErrorCode(), err))
	}

	// Network-level failures are left to retry.Retryable.
	return fmt.Errorf("failed to upload object to S3: %w", err)
}

// PublicURL returns the object's URL: PublicBaseURL when set, otherwise the
// path-style endpoint URL or the virtual-hosted AWS URL.
func (s *S3) PublicURL(bucket, key string) string {
	key = escapeKey(key)
	switch {
	case s.cfg.PublicBaseURL != "":
		return fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.PublicBaseURL, "/"), key)
	case s.cfg.Endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), bucket, key)
	case s.cfg.UsePathStyle:
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.cfg.Region, bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
	}
}
