package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/craftlink/chat-service/internal/logger"
)

// S3 stores blobs in an S3-compatible bucket (AWS, R2, MinIO). URLs are
// absolute; when a CDN base URL is configured it takes precedence over the
// endpoint-derived form.
type S3 struct {
	client   *s3.Client
	bucket   string
	cdnURL   string
	endpoint string
	basePath string
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string // e.g. https://xxx.r2.cloudflarestorage.com
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	CDNURL          string
	BasePath        string // prefix for all objects, e.g. "chat/"
	ForcePathStyle  bool   // true for MinIO/R2
}

// NewS3 creates an S3-compatible blob store.
func NewS3(cfg S3Config) *S3 {
	opts := func(o *s3.Options) {
		o.Region = cfg.Region
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}

	client := s3.New(s3.Options{}, opts)

	logger.Component("blob").Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("s3 blob store initialized")

	return &S3{
		client:   client,
		bucket:   cfg.Bucket,
		cdnURL:   strings.TrimRight(cfg.CDNURL, "/"),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		basePath: cfg.BasePath,
	}
}

// Put uploads data under folder with a random object name and returns the
// public URL.
func (s *S3) Put(ctx context.Context, data []byte, contentType, folder string) (string, error) {
	name := uuid.New().String() + extFor(contentType)
	key := path.Join(s.basePath, folder, name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("blob: s3 put %s: %w", key, err)
	}

	if s.cdnURL != "" {
		return s.cdnURL + "/" + key, nil
	}
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key), nil
}
