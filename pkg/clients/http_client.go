// Package clients provides the HTTP client shared by the token endpoint and the object API
package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// HTTPClient wraps net/http with pacing, HTTP/2 and request accounting
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	totalRequests  int64
	failedRequests int64

	// Rate limiting
	limiter *rate.Limiter
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// HTTP/2 settings
	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	// TLS settings
	TLSMinVersion uint16 `json:"tls_min_version"`

	// Rate limiting (0 = unlimited)
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	UserAgent string `json:"user_agent"`
	// Debug logs every request and response status
	Debug bool `json:"debug"`
}

// DefaultHTTPConfig returns the default client configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		RequestTimeout:        60 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSMinVersion:         tls.VersionTLS12,
		RateBurst:             1,
		UserAgent:             "intacct-extractor",
	}
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: config.TLSMinVersion,
		},
	}

	// Enable HTTP/2 if configured
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	var rt http.RoundTripper = client.transport
	rt = &headerTransport{next: rt, userAgent: config.UserAgent}
	if config.Debug {
		rt = &loggingTransport{next: rt, logger: client.logger}
	}

	client.httpClient = &http.Client{
		Transport: rt,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return client
}

// Do performs an HTTP request after waiting for the rate limiter
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.Wait(req.Context()); err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.totalRequests, 1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		atomic.AddInt64(&c.failedRequests, 1)
	}
	return resp, nil
}

// Wait blocks until the rate limiter admits one request
func (c *HTTPClient) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return errors.Wrap(err, errors.ErrorTypeTransient, "rate limiter wait aborted")
	}
	return nil
}

// StdClient returns the underlying *http.Client, for libraries such as
// golang.org/x/oauth2 that take one directly. Requests through it skip the
// rate limiter; callers pace with Wait.
func (c *HTTPClient) StdClient() *http.Client {
	return c.httpClient
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	total := atomic.LoadInt64(&c.totalRequests)
	failed := atomic.LoadInt64(&c.failedRequests)
	stats := HTTPStats{TotalRequests: total, FailedRequests: failed}
	if total > 0 {
		stats.SuccessRate = float64(total-failed) / float64(total) * 100
	}
	return stats
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	SuccessRate    float64 `json:"success_rate"`
}

// headerTransport sets default headers on every outgoing request
type headerTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// loggingTransport logs request lines and statuses; bodies and headers are never logged
type loggingTransport struct {
	next   http.RoundTripper
	logger *zap.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		t.logger.Debug("http request failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	t.logger.Debug("http request", append(fields, zap.Int("status", resp.StatusCode))...)
	return resp, nil
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
