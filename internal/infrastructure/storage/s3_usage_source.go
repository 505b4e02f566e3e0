// Package storage measures uploaded objects so storage quota is charged
// for the bytes actually stored.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/lexmeter/backend/internal/domain/shared"
	infraconfig "github.com/lexmeter/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// ErrObjectNotFound is returned when the uploaded object is not in the bucket
var ErrObjectNotFound = shared.NewDomainError("NOT_FOUND", "Uploaded object not found")

// UsageSource issues upload URLs, reports stored object sizes and removes
// objects that were refused against quota
type UsageSource interface {
	PresignUpload(ctx context.Context, key string, sizeBytes int64, expires time.Duration) (*PresignedUpload, error)
	ObjectSize(ctx context.Context, key string) (int64, error)
	DeleteObject(ctx context.Context, key string) error
}

// PresignedUpload is a time-limited URL the client PUTs the object to
type PresignedUpload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

var _ UsageSource = (*S3UsageSource)(nil)

// S3UsageSource implements UsageSource on any S3-compatible store (AWS S3, MinIO, RustFS).
type S3UsageSource struct {
	client            *s3.Client
	presignClient     *s3.PresignClient
	bucket            string
	presignExpiration time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

// S3UsageSourceOption is a functional option for configuring S3UsageSource
type S3UsageSourceOption func(*S3UsageSource)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) S3UsageSourceOption {
	return func(s *S3UsageSource) {
		s.logger = logger
	}
}

// WithPresignExpiration sets the default upload URL lifetime
func WithPresignExpiration(d time.Duration) S3UsageSourceOption {
	return func(s *S3UsageSource) {
		s.presignExpiration = d
	}
}

// NewS3UsageSource creates an S3UsageSource from configuration.
func NewS3UsageSource(cfg *infraconfig.StorageConfig, opts ...S3UsageSourceOption) (*S3UsageSource, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("storage access key is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("storage secret key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	if endpoint != "" {
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid storage endpoint: %w", err)
		}
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	source := &S3UsageSource{
		client:            client,
		presignClient:     s3.NewPresignClient(client),
		bucket:            cfg.Bucket,
		presignExpiration: cfg.PresignExpiration,
		logger:            zap.NewNop(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(source)
	}
	if source.presignExpiration <= 0 {
		source.presignExpiration = 15 * time.Minute
	}

	return source, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *S3UsageSource) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	s.logger.Info("Creating storage bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// PresignUpload returns a PUT URL for key. Content-Length is part of the
// signature, so the store refuses a body of any other size. A non-positive
// expires uses the configured default.
func (s *S3UsageSource) PresignUpload(ctx context.Context, key string, sizeBytes int64, expires time.Duration) (*PresignedUpload, error) {
	if key == "" {
		return nil, errors.New("storage key is required")
	}
	if sizeBytes <= 0 {
		return nil, errors.New("upload size must be positive")
	}
	if expires <= 0 {
		expires = s.presignExpiration
	}

	req, err := s.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(sizeBytes),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	return &PresignedUpload{
		Key:       key,
		URL:       req.URL,
		ExpiresAt: s.now().Add(expires),
	}, nil
}

// ObjectSize returns the stored size of key in bytes.
func (s *S3UsageSource) ObjectSize(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.New("storage key is required")
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("failed to read object size: %w", err)
	}

	size := aws.ToInt64(out.ContentLength)
	s.logger.Debug("Measured uploaded object",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("bytes", size),
	)
	return size, nil
}

// DeleteObject removes key. Deleting a missing key is not an error.
func (s *S3UsageSource) DeleteObject(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("storage key is required")
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	s.logger.Info("Deleted uploaded object",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
	)
	return nil
}

// Bucket returns the bucket name
func (s *S3UsageSource) Bucket() string {
	return s.bucket
}
