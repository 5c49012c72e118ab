package upload

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Uploader stores archives in an S3-compatible bucket under {runID}/{name}.
type S3Uploader struct {
	client     *minio.Client
	bucketName string
	region     string

	mu          sync.Mutex
	bucketReady bool
}

// NewS3Uploader validates cfg and builds the client. No network call is made.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Uploader{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

// Name returns the uploader identifier.
func (s *S3Uploader) Name() string {
	return "s3"
}

// ensureBucket checks for the bucket and creates it when missing. Only a
// successful check is remembered; a failure is retried on the next upload.
func (s *S3Uploader) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return err
		}
	}
	s.bucketReady = true
	return nil
}

// Upload puts the archive into the bucket.
func (s *S3Uploader) Upload(ctx context.Context, job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return fmt.Errorf("archive name is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	_, err := s.client.PutObject(ctx, s.bucketName, ObjectKey(job.RunID, name), bytes.NewReader(job.Data), int64(len(job.Data)), minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// ObjectKey returns the bucket key for an archive.
func ObjectKey(runID, name string) string {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	runID = strings.Trim(strings.TrimSpace(runID), "/")
	if runID == "" {
		return name
	}
	return runID + "/" + name
}
