package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

func TestHTTPClientSetsUserAgentAndCounts(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig()
	cfg.EnableHTTP2 = false
	cfg.UserAgent = "extractor-test"
	cfg.Debug = true
	client := NewHTTPClient(cfg, zap.NewNop())
	defer client.Close()

	for _, path := range []string{"/ok", "/fail"} {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, "extractor-test", agent)
	stats := client.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
}

func TestHTTPClientRateLimiterHonoursContext(t *testing.T) {
	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	client := NewHTTPClient(cfg, nil)

	// the first token is available immediately
	require.NoError(t, client.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
