// Package s3 stores blocks as objects in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/blockfs/blockfs/pkg/errors"
	"github.com/blockfs/blockfs/pkg/types"
)

var (
	_ types.BlockStore   = (*Store)(nil)
	_ types.StatProvider = (*Store)(nil)
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config represents S3 store configuration
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
	// SkipHealthCheck disables the HeadBucket probe performed by New.
	SkipHealthCheck bool
}

// Metrics tracks request counts for the store
type Metrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error,omitempty"`
}

// Store maps block ids onto object keys prefix/<16 hex>.
type Store struct {
	client API
	bucket string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// New loads AWS configuration and connects to the bucket.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-store")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("s3-store").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	store := NewWithClient(client, cfg, logger)
	if !cfg.SkipHealthCheck {
		if err := store.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("component", "s3-store", "bucket", cfg.Bucket),
	}
}

// Key returns the object key holding block id.
func (s *Store) Key(id uint64) string {
	if s.prefix == "" {
		return fmt.Sprintf("%016x", id)
	}
	return fmt.Sprintf("%s/%016x", s.prefix, id)
}

// Get downloads a block object.
func (s *Store) Get(ctx context.Context, id uint64) ([]byte, error) {
	start := time.Now()
	key := s.Key(id)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.recordMetrics(time.Since(start), 0, 0, err)
		return nil, s.translateError(err, "get", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	s.recordMetrics(time.Since(start), 0, len(data), err)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read object body").
			WithComponent("s3-store").
			WithOperation("get").
			WithDetail("key", key).
			WithCause(err)
	}
	return data, nil
}

// Set uploads a block object.
func (s *Store) Set(ctx context.Context, id uint64, data []byte) error {
	start := time.Now()
	key := s.Key(id)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	s.recordMetrics(time.Since(start), len(data), 0, err)
	if err != nil {
		return s.translateError(err, "set", key)
	}
	return nil
}

// Stats lists the prefix and sums object sizes.
func (s *Store) Stats(ctx context.Context) (types.StoreStats, error) {
	var stats types.StoreStats

	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return types.StoreStats{}, s.translateError(err, "stats", prefix)
		}
		for _, object := range page.Contents {
			stats.Blocks++
			stats.Bytes += aws.ToInt64(object.Size)
		}
	}
	return stats, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageRead, "S3 health check failed").
			WithComponent("s3-store").
			WithOperation("health").
			WithCause(err)
	}
	return nil
}

// GetMetrics returns current store metrics
func (s *Store) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Close releases the store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) recordMetrics(duration time.Duration, uploaded, downloaded int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	s.metrics.BytesUploaded += int64(uploaded)
	s.metrics.BytesDownloaded += int64(downloaded)
	if err != nil && !isNotFound(err) {
		s.metrics.Errors++
		s.metrics.LastError = err.Error()
	}

	// Calculate rolling average latency
	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration(
			(int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (s *Store) translateError(err error, operation, key string) error {
	switch {
	case isNotFound(err):
		return errors.Newf(errors.ErrCodeBlockNotFound, "object not found: %s", key).
			WithComponent("s3-store").
			WithOperation(operation)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeStorageRead, "bucket not found: %s", s.bucket).
			WithComponent("s3-store").
			WithOperation(operation).
			WithCause(err)
	default:
		code := errors.ErrCodeStorageRead
		if operation == "set" {
			code = errors.ErrCodeStorageWrite
		}
		return errors.Newf(code, "%s failed for %s", operation, key).
			WithComponent("s3-store").
			WithOperation(operation).
			WithCause(err)
	}
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
