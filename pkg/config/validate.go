package config

import (
	"strings"
	"time"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeSince parses an initial_since value and renders it as RFC3339 UTC.
// An empty value yields an empty result.
func NormalizeSince(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "initial_since %q is not a date or RFC3339 timestamp", value)
}

// Validate checks the configuration before any network call is made.
// Every failure is a config error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Authorization.ID) == "" {
		return errors.New(errors.ErrorTypeConfig, "authorization.id is required")
	}
	if c.Authorization.AppKey == "" {
		return errors.New(errors.ErrorTypeConfig, "authorization.app_key is required")
	}
	if c.API.BaseURL == "" {
		return errors.New(errors.ErrorTypeConfig, "api.base_url is required")
	}
	if c.Reliability.RetryAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RefreshAttempts < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.refresh_attempts must be at least 1")
	}
	if c.Reliability.Jitter < 0 || c.Reliability.Jitter > 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.jitter must be between 0 and 1")
	}
	if c.Reliability.CheckpointInterval < 1 {
		return errors.New(errors.ErrorTypeConfig, "reliability.checkpoint_interval must be at least 1")
	}
	if c.API.RateLimitPerSec < 0 {
		return errors.New(errors.ErrorTypeConfig, "api.rate_limit_per_sec cannot be negative")
	}

	switch c.State.Backend {
	case "file", "sqlite", "redis", "postgres", "memory":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown state backend %q", c.State.Backend)
	}
	switch c.Output.Format {
	case "csv", "jsonl":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", c.Output.Format)
	}
	switch c.Output.Compression {
	case "", "none", "gzip", "zstd", "lz4", "snappy", "s2":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown compression %q", c.Output.Compression)
	}
	switch c.Output.Upload.Type {
	case "", "none":
	case "s3", "gcs":
		if c.Output.Upload.Bucket == "" {
			return errors.Newf(errors.ErrorTypeConfig, "output.upload.bucket is required for %s", c.Output.Upload.Type)
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown upload type %q", c.Output.Upload.Type)
	}

	objects := make(map[string]bool, len(c.Endpoints))
	tables := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := ep.Validate(); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "endpoints[%d]", i)
		}
		if objects[ep.Object()] {
			return errors.Newf(errors.ErrorTypeConfig, "endpoint %q is listed more than once", ep.Object())
		}
		objects[ep.Object()] = true
		if tables[ep.TableName()] {
			return errors.Newf(errors.ErrorTypeConfig, "table %q is written by more than one endpoint", ep.TableName())
		}
		tables[ep.TableName()] = true
	}
	return nil
}

// Validate checks a single endpoint definition.
func (e *EndpointConfig) Validate() error {
	if e.Object() == "" {
		return errors.New(errors.ErrorTypeConfig, "endpoint is required")
	}
	switch e.LoadType() {
	case LoadTypeFull:
		if e.Destination.IncrementalField != "" {
			return errors.Newf(errors.ErrorTypeConfig,
				"incremental_field %q requires load_type %s", e.Destination.IncrementalField, LoadTypeIncremental).
				WithDetail("object", e.Object())
		}
		if e.InitialSince != "" {
			return errors.Newf(errors.ErrorTypeConfig, "initial_since requires load_type %s", LoadTypeIncremental).
				WithDetail("object", e.Object())
		}
	case LoadTypeIncremental:
		if _, err := NormalizeSince(e.InitialSince); err != nil {
			return err
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown load_type %q", e.Destination.LoadType).
			WithDetail("object", e.Object())
	}
	for _, pk := range e.Destination.PrimaryKey {
		if strings.TrimSpace(pk) == "" {
			return errors.New(errors.ErrorTypeConfig, "primary_key entries cannot be blank").
				WithDetail("object", e.Object())
		}
	}
	return nil
}
