// Package config defines the extractor configuration document.
//
// The configuration is organized into logical sections:
//   - Authorization: OAuth application and the authorization the run is bound to
//   - API: upstream base URL, request timeout and client side pacing
//   - Reliability: retry logic, token refresh margin, checkpoint cadence
//   - State: where credentials and watermarks are persisted between runs
//   - Output: file format, compression and optional upload target
//   - Endpoints: the ordered list of objects to extract
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg, err := config.LoadFile("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, ep := range cfg.Endpoints {
//	    fmt.Println(ep.Object(), ep.Destination.LoadType)
//	}
package config

import (
	"strings"
	"time"
)

// Load types accepted in destination.load_type.
const (
	LoadTypeFull        = "full_load"
	LoadTypeIncremental = "incremental_load"
)

// Defaults mirrored by NewDefaultConfig.
const (
	DefaultBaseURL          = "https://api.intacct.com/ia/api/v1"
	DefaultTokenPath        = "/oauth2/token"
	DefaultIncrementalField = "WHENMODIFIED"
	DefaultBatchSize        = 1000
	MinBatchSize            = 1
	MaxBatchSize            = 10000
)

// Config is the single configuration document for an extraction run.
type Config struct {
	// Authorization identifies the OAuth application and the authorization
	// whose credentials the run may use
	Authorization AuthorizationConfig `yaml:"authorization" json:"authorization"`

	// API settings for the upstream object API
	API APIConfig `yaml:"api" json:"api"`

	// Reliability settings for retries, token refresh and checkpointing
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// State selects the persisted state backend
	State StateConfig `yaml:"state" json:"state"`

	// Output configures where extracted records are written
	Output OutputConfig `yaml:"output" json:"output"`

	// Endpoints lists the objects to extract, in processing order
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints"`

	// BatchSize is the requested page size (clamped to 1..10000)
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Debug forces debug level logging
	Debug bool `yaml:"debug" json:"debug"`

	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// AuthorizationConfig holds the OAuth client and the authorization identity.
type AuthorizationConfig struct {
	// ID is the authorization identifier stored alongside persisted credentials
	ID string `yaml:"id" json:"id"`
	// AppKey is the OAuth client ID
	AppKey string `yaml:"app_key" json:"app_key"`
	// AppSecret is the OAuth client secret (use ${ENV} substitution)
	AppSecret string `yaml:"app_secret" json:"-"`
	// TokenURL overrides the token endpoint; defaults to <base_url>/oauth2/token
	TokenURL string `yaml:"token_url" json:"token_url"`
	// Data carries the tokens issued by a fresh authorization, if any
	Data OAuthData `yaml:"data" json:"-"`
}

// OAuthData is the token material produced by the interactive authorization step.
type OAuthData struct {
	AccessToken  string `yaml:"access_token" json:"access_token"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token"`
	// ExpiresIn is used when the access token carries no exp claim
	ExpiresIn int `yaml:"expires_in" json:"expires_in"`
}

// HasTokens reports whether a fresh authorization is present.
func (d OAuthData) HasTokens() bool {
	return d.RefreshToken != ""
}

// APIConfig contains upstream connection settings.
type APIConfig struct {
	// BaseURL of the object API
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Timeout for individual HTTP requests
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RateLimitPerSec paces outgoing requests (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateLimitBurst is the token bucket size when pacing is enabled
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	// UserAgent sent with every request
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// ReliabilityConfig contains retry, refresh and checkpoint settings.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of attempts for a retryable API call
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay, including Retry-After hints
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// Jitter is the randomization factor applied to each delay (0..1)
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// RefreshAttempts bounds token refresh attempts on transient failures
	RefreshAttempts int `yaml:"refresh_attempts" json:"refresh_attempts"`
	// RefreshMargin treats tokens expiring within this window as expired
	RefreshMargin time.Duration `yaml:"refresh_margin" json:"refresh_margin"`
	// DefaultTokenLifetime is assumed when the token endpoint states no expiry
	DefaultTokenLifetime time.Duration `yaml:"default_token_lifetime" json:"default_token_lifetime"`
	// FailFast stops the run at the first failed object
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
	// CheckpointInterval persists the page cursor every N pages
	CheckpointInterval int `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// StateConfig selects and locates the persisted state backend.
type StateConfig struct {
	// Backend is one of file, sqlite, redis, postgres, memory
	Backend string `yaml:"backend" json:"backend"`
	// Path is the directory (file) or database file (sqlite)
	Path string `yaml:"path" json:"path"`
	// Key names the state document inside the backend
	Key string `yaml:"key" json:"key"`
	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn" json:"-"`
	// RedisAddr is host:port of the Redis server
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// OutputConfig controls the files produced for each table.
type OutputConfig struct {
	// Format is csv or jsonl
	Format string `yaml:"format" json:"format"`
	// Directory receives the table files and manifests
	Directory string `yaml:"directory" json:"directory"`
	// Compression is none, gzip, zstd, lz4, snappy or s2
	Compression string `yaml:"compression" json:"compression"`
	// Upload ships committed tables to object storage
	Upload UploadConfig `yaml:"upload" json:"upload"`
}

// UploadConfig describes the optional object storage target.
type UploadConfig struct {
	// Type is none, s3 or gcs
	Type            string `yaml:"type" json:"type"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// EndpointConfig describes one object to extract.
type EndpointConfig struct {
	// Endpoint is the upstream object identifier, e.g. accounts-payable/vendor
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Columns restricts the requested fields; empty means all
	Columns []string `yaml:"columns" json:"columns"`
	// InitialSince is the lower bound for the first incremental run
	InitialSince string `yaml:"initial_since" json:"initial_since"`
	// Destination controls load type and output table
	Destination DestinationConfig `yaml:"destination" json:"destination"`
}

// DestinationConfig controls how an object is loaded.
type DestinationConfig struct {
	TableName        string   `yaml:"table_name" json:"table_name"`
	LoadType         string   `yaml:"load_type" json:"load_type"`
	IncrementalField string   `yaml:"incremental_field" json:"incremental_field"`
	PrimaryKey       []string `yaml:"primary_key" json:"primary_key"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// MetricsConfig configures Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// PushgatewayURL receives the run's metrics when set
	PushgatewayURL string `yaml:"pushgateway_url" json:"pushgateway_url"`
	Job            string `yaml:"job" json:"job"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// NewDefaultConfig creates a Config with production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        DefaultBaseURL,
			Timeout:        60 * time.Second,
			RateLimitBurst: 1,
			UserAgent:      "intacct-extractor",
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:        4,
			RetryDelay:           time.Second,
			RetryMultiplier:      2.0,
			MaxRetryDelay:        60 * time.Second,
			Jitter:               0.25,
			RefreshAttempts:      3,
			RefreshMargin:        60 * time.Second,
			DefaultTokenLifetime: time.Hour,
			FailFast:             false,
			CheckpointInterval:   1,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "state",
			Key:     "state",
		},
		Output: OutputConfig{
			Format:      "csv",
			Directory:   "out/tables",
			Compression: "none",
			Upload:      UploadConfig{Type: "none"},
		},
		BatchSize: DefaultBatchSize,
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Job:     "intacct_extractor",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// TokenURL returns the configured token endpoint or the one derived from the base URL.
func (c *Config) TokenURL() string {
	if c.Authorization.TokenURL != "" {
		return c.Authorization.TokenURL
	}
	return strings.TrimRight(c.API.BaseURL, "/") + DefaultTokenPath
}

// PageSize returns BatchSize clamped to the accepted range.
func (c *Config) PageSize() int {
	return ClampPageSize(c.BatchSize)
}

// LogLevel returns the effective log level, honoring Debug.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	if c.Log.Level == "" {
		return "info"
	}
	return c.Log.Level
}

// ClampPageSize forces n into [MinBatchSize, MaxBatchSize]; zero selects the default.
func ClampPageSize(n int) int {
	switch {
	case n == 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	default:
		return n
	}
}

// Object returns the upstream object identifier.
func (e *EndpointConfig) Object() string {
	return strings.Trim(strings.TrimSpace(e.Endpoint), "/")
}

// IsIncremental reports whether the endpoint uses incremental load.
func (e *EndpointConfig) IsIncremental() bool {
	return e.LoadType() == LoadTypeIncremental
}

// LoadType returns the configured load type, defaulting to incremental.
func (e *EndpointConfig) LoadType() string {
	if e.Destination.LoadType == "" {
		return LoadTypeIncremental
	}
	return e.Destination.LoadType
}

// IncrementalField returns the watermark field for incremental endpoints.
func (e *EndpointConfig) IncrementalField() string {
	if !e.IsIncremental() {
		return ""
	}
	if e.Destination.IncrementalField == "" {
		return DefaultIncrementalField
	}
	return e.Destination.IncrementalField
}

// TableName returns the output table name, derived from the endpoint when unset.
func (e *EndpointConfig) TableName() string {
	if e.Destination.TableName != "" {
		return e.Destination.TableName
	}
	return strings.ReplaceAll(e.Object(), "/", ".") + ".csv"
}

// RequestedColumns returns the fields to request, adding the incremental field
// when the column list is restricted and does not already contain it.
func (e *EndpointConfig) RequestedColumns() []string {
	if len(e.Columns) == 0 {
		return nil
	}
	cols := make([]string, 0, len(e.Columns)+1)
	field := e.IncrementalField()
	found := field == ""
	for _, c := range e.Columns {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if c == field {
			found = true
		}
		cols = append(cols, c)
	}
	if !found {
		cols = append(cols, field)
	}
	return cols
}
