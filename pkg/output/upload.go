package output

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// Uploader ships committed files to object storage.
type Uploader interface {
	// Upload stores body under key and returns the object location.
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Close() error
}

// NewUploader creates the uploader selected by cfg. It returns nil when
// uploading is disabled.
func NewUploader(ctx context.Context, cfg config.UploadConfig, logger *zap.Logger) (Uploader, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "s3":
		u, err := NewS3Uploader(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "gcs":
		u, err := NewGCSUploader(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown upload type %q", cfg.Type)
	}
}

// objectKey joins prefix and name with forward slashes.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".manifest"):
		return "application/json"
	case strings.HasSuffix(name, ".csv"):
		return "text/csv"
	case strings.HasSuffix(name, ".jsonl"):
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

func uploadFile(ctx context.Context, u Uploader, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeOutput, "failed to open committed file")
	}
	defer f.Close()

	name := filepath.Base(file)
	location, err := u.Upload(ctx, name, f, contentType(name))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeOutput, "upload failed").WithDetail("file", name)
	}
	return location, nil
}
