package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// S3BlobStore uploads raw evidence payloads to an S3 bucket. Records in
// Postgres hold only the object key.
type S3BlobStore struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3BlobStore reads EVIDENCE_BUCKET and AWS_REGION and builds an
// uploader from the default credential chain.
func NewS3BlobStore() (*S3BlobStore, error) {
	bucket, err := env.GetAsString("EVIDENCE_BUCKET", true, "")
	if err != nil {
		return nil, err
	}
	region, err := env.GetAsString("AWS_REGION", false, "us-east-1")
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	zap.S().Infof("Evidence blobs will be stored in s3://%s (%s)", bucket, region)
	return &S3BlobStore{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// Upload writes one evidence payload under the given key.
func (s *S3BlobStore) Upload(ctx context.Context, data []byte, path string, contentType string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload evidence blob %s: %w", path, err)
	}
	return nil
}
