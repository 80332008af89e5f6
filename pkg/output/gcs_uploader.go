package output

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// GCSUploader uploads table files to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	logger *zap.Logger
}

// NewGCSUploader creates a client using the configured credentials file, or
// application default credentials when none is set.
func NewGCSUploader(ctx context.Context, cfg config.UploadConfig, logger *zap.Logger, extra ...option.ClientOption) (*GCSUploader, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, extra...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCSUploader{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Upload implements Uploader. A failed read of body cancels the upload, so
// no partial object is created.
func (u *GCSUploader) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	key = objectKey(u.prefix, key)
	writer := u.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, body); err != nil {
		cancel()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	location := fmt.Sprintf("gs://%s/%s", u.name, key)
	u.logger.Info("uploaded to GCS", zap.String("location", location))
	return location, nil
}

// Close implements Uploader.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
