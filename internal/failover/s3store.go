package failover

import (
	"bytes"
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3StateStore is the default StateStore, backed by an S3-compatible object
// store reached through aws-sdk-go-v2's default configuration (no custom
// endpoint resolver is set), one object per handoff file.
type S3StateStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3StateStore builds an S3StateStore for bucket, using the ambient AWS
// credential chain (environment, shared config, or container role) and the
// given region.
func NewS3StateStore(ctx context.Context, bucket, region, prefix string) (*S3StateStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3StateStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (s *S3StateStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put uploads body under key, using the multipart-aware manager.Uploader so
// larger handoff archives do not need special-casing later.
func (s *S3StateStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.key(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s: %w", key, s.bucket, err)
	}
	return nil
}

// Get downloads the object at key.
func (s *S3StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    awsString(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s from s3://%s: %w", key, s.bucket, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Ping performs a cheap HeadBucket call, used by the keep-alive pinger to
// prevent idle-evict on the primary without burning compute hours.
func (s *S3StateStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err != nil {
		return fmt.Errorf("head bucket s3://%s: %w", s.bucket, err)
	}
	return nil
}

func awsString(s string) *string { return &s }
