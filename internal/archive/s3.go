package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Content types for the archive objects.
const (
	contentTypeCSV  = "text/csv"
	contentTypeJSON = "application/json"
)

// UploaderConfig holds configuration for the archive uploader. Endpoint
// supports any S3-compatible store; leave it empty for AWS itself.
type UploaderConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
}

// Uploader writes export snapshots to an S3-compatible bucket.
type Uploader struct {
	client     *s3.Client
	bucketName string
	timeNow    func() time.Time
}

// NewUploader creates an archive uploader with the given configuration.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		// S3-compatible stores generally require path-style addressing.
		opts.UsePathStyle = true
	}

	return &Uploader{
		client:     s3.New(opts),
		bucketName: cfg.BucketName,
		timeNow:    time.Now,
	}, nil
}

// ObjectKey builds the archive key for a snapshot taken at the given time.
// Pattern: security-events/{yyyy-mm-dd}/{uuid}.{ext}
func ObjectKey(at time.Time, format Format) string {
	return fmt.Sprintf("security-events/%s/%s.%s", at.UTC().Format("2006-01-02"), uuid.New().String(), format)
}

// Upload writes the exported snapshot to the bucket and returns its key.
func (u *Uploader) Upload(ctx context.Context, data []byte, format Format) (string, error) {
	contentType := contentTypeJSON
	if format == FormatCSV {
		contentType = contentTypeCSV
	}

	key := ObjectKey(u.timeNow(), format)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive object: %w", err)
	}
	return key, nil
}

// BucketName returns the configured bucket.
func (u *Uploader) BucketName() string {
	return u.bucketName
}
