package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/auth"
	"github.com/ajitpratap0/intacct-extractor/pkg/clients"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/output"
	"github.com/ajitpratap0/intacct-extractor/pkg/retry"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

// Option configures a Session or Runner.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	clock    clockwork.Clock
	uploader output.Uploader
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records run metrics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithTracer sets the tracer used for run and object spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithClock sets the clock used for token expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithUploader ships committed tables through u.
func WithUploader(u output.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithRetrySleep replaces the wait between retries.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:  zap.NewNop(),
		metrics: metrics.NewCollector(nil),
		tracer:  otel.Tracer("github.com/ajitpratap0/intacct-extractor/internal/pipeline"),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session holds the authenticated API client of one invocation.
type Session struct {
	Config *config.Config
	Store  *state.Store
	Tokens *auth.TokenManager
	Client *intacct.Client

	http *clients.HTTPClient
	opts *options
}

// NewSession wires the token manager and API client for cfg over store and
// offers the configured fresh authorization, if any, to the token manager.
func NewSession(cfg *config.Config, store *state.Store, opts ...Option) *Session {
	o := newOptions(opts)

	httpClient := clients.NewHTTPClient(httpConfig(cfg), o.logger)

	refresher := auth.NewOAuthRefresher(cfg.Authorization.AppKey, cfg.Authorization.AppSecret,
		cfg.TokenURL(), httpClient, o.clock)
	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		AuthID:          cfg.Authorization.ID,
		RefreshMargin:   cfg.Reliability.RefreshMargin,
		DefaultLifetime: cfg.Reliability.DefaultTokenLifetime,
		Retry:           refreshPolicy(cfg.Reliability, o.sleep),
	}, store, refresher,
		auth.WithClock(o.clock),
		auth.WithLogger(o.logger),
		auth.WithMetrics(o.metrics),
		auth.WithTracer(o.tracer),
	)
	data := cfg.Authorization.Data
	tokens.Bootstrap(data.AccessToken, data.RefreshToken, time.Duration(data.ExpiresIn)*time.Second)

	client := intacct.NewClient(cfg.API.BaseURL, tokens, httpClient,
		intacct.WithLogger(o.logger),
		intacct.WithMetrics(o.metrics),
		intacct.WithTracer(o.tracer),
		intacct.WithRetryPolicy(apiPolicy(cfg.Reliability, o.sleep)),
	)

	return &Session{
		Config: cfg,
		Store:  store,
		Tokens: tokens,
		Client: client,
		http:   httpClient,
		opts:   o,
	}
}

// Logger returns the session logger.
func (s *Session) Logger() *zap.Logger { return s.opts.logger }

// Close reports request statistics and releases idle connections.
func (s *Session) Close() error {
	stats := s.http.GetStats()
	s.opts.logger.Info("api requests",
		zap.Int64("total", stats.TotalRequests),
		zap.Int64("failed", stats.FailedRequests),
		zap.Float64("success_rate", stats.SuccessRate))
	return s.http.Close()
}

func httpConfig(cfg *config.Config) *clients.HTTPConfig {
	hc := clients.DefaultHTTPConfig()
	if cfg.API.Timeout > 0 {
		hc.RequestTimeout = cfg.API.Timeout
		hc.ResponseHeaderTimeout = cfg.API.Timeout
	}
	hc.RateLimit = cfg.API.RateLimitPerSec
	if cfg.API.RateLimitBurst > 0 {
		hc.RateBurst = cfg.API.RateLimitBurst
	}
	if cfg.API.UserAgent != "" {
		hc.UserAgent = cfg.API.UserAgent
	}
	hc.Debug = cfg.Debug
	return hc
}

// apiPolicy is the backoff applied to metadata calls and page fetches.
func apiPolicy(r config.ReliabilityConfig, sleep func(context.Context, time.Duration) error) *retry.Policy {
	p := retry.DefaultPolicy()
	if r.RetryAttempts > 0 {
		p.MaxAttempts = r.RetryAttempts
	}
	if r.RetryDelay > 0 {
		p.InitialDelay = r.RetryDelay
	}
	if r.MaxRetryDelay > 0 {
		p.MaxDelay = r.MaxRetryDelay
	}
	if r.RetryMultiplier > 0 {
		p.Multiplier = r.RetryMultiplier
	}
	if r.Jitter >= 0 && r.Jitter <= 1 {
		p.RandomizeFactor = r.Jitter
	}
	p.Sleep = sleep
	return p
}

// refreshPolicy bounds refresh attempts on transient token endpoint failures.
func refreshPolicy(r config.ReliabilityConfig, sleep func(context.Context, time.Duration) error) *retry.Policy {
	attempts := r.RefreshAttempts
	if attempts <= 0 {
		attempts = 3
	}
	p := retry.NewPolicy(attempts, 500*time.Millisecond).WithDelay(500*time.Millisecond, 10*time.Second)
	p.Sleep = sleep
	return p
}
