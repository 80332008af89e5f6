package output

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

const (
	s3PartSize       = 16 * 1024 * 1024
	s3MaxConcurrency = 4
)

// S3Uploader uploads table files to an S3 bucket.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Uploader loads the default AWS configuration for the configured region.
// A custom endpoint switches to path-style addressing for S3 compatible stores.
func NewS3Uploader(ctx context.Context, cfg config.UploadConfig, logger *zap.Logger) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Uploader(client *s3.Client, bucket, prefix string, logger *zap.Logger) *S3Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Uploader{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3MaxConcurrency
		}),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key = objectKey(u.prefix, key)
	result, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	location := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	u.logger.Info("uploaded to S3", zap.String("location", location), zap.String("url", result.Location))
	return location, nil
}

// Close implements Uploader.
func (u *S3Uploader) Close() error { return nil }
