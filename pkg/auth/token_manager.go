// Package auth keeps a usable access token available to the API client. It
// refreshes expired tokens with single-use refresh token rotation and persists
// every rotated credential set before handing out the new access token.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/logger"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/retry"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

const (
	// DefaultRefreshMargin treats tokens expiring within a minute as expired.
	DefaultRefreshMargin = 60 * time.Second
	// DefaultTokenLifetime is assumed for a grant that states no expiry.
	DefaultTokenLifetime = time.Hour
)

// TokenManagerConfig configures a TokenManager.
type TokenManagerConfig struct {
	// AuthID is the configured authorization the stored credentials must belong to
	AuthID string
	// RefreshMargin is subtracted from the token expiry
	RefreshMargin time.Duration
	// DefaultLifetime applies when a refresh grant carries neither expires_in
	// nor a decodable exp claim
	DefaultLifetime time.Duration
	// Retry bounds refresh attempts on transient failures
	Retry *retry.Policy
}

// TokenManager hands out valid access tokens. It is the only writer of the
// credential set.
type TokenManager struct {
	cfg       TokenManagerConfig
	store     state.CredentialWriter
	refresher Refresher
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer

	mu          sync.Mutex
	invalidated bool
	// pending is a credential set from a fresh authorization; it is persisted
	// the first time it yields a token.
	pending   *state.CredentialSet
	refreshes int
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithClock sets the clock used for expiry checks.
func WithClock(clock clockwork.Clock) Option {
	return func(m *TokenManager) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *TokenManager) { m.logger = logger }
}

// WithMetrics records refresh outcomes on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *TokenManager) { m.metrics = collector }
}

// WithTracer sets the tracer used for refresh spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *TokenManager) { m.tracer = tracer }
}

// NewTokenManager creates a token manager over store.
func NewTokenManager(cfg TokenManagerConfig, store state.CredentialWriter, refresher Refresher, opts ...Option) *TokenManager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultTokenLifetime
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewPolicy(3, 500*time.Millisecond).WithDelay(500*time.Millisecond, 10*time.Second)
	}
	m := &TokenManager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/ajitpratap0/intacct-extractor/pkg/auth"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "token_manager"))
	return m
}

// Bootstrap accepts the tokens of a fresh authorization. Persisted credentials
// that belong to the configured authorization always win, because the
// configured refresh token has been rotated away by earlier runs. It reports
// whether the fresh tokens will be used.
func (m *TokenManager) Bootstrap(accessToken, refreshToken string, expiresIn time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.Credentials().MatchesAuthID(m.cfg.AuthID) {
		m.logger.Debug("using persisted credentials")
		return false
	}
	if refreshToken == "" {
		return false
	}

	now := m.clock.Now().UTC()
	creds := &state.CredentialSet{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AuthID:       m.cfg.AuthID,
		IssuedAt:     now,
	}
	if claims, err := ParseAccessToken(accessToken); err == nil {
		creds.ExpiresAt = claims.ExpiresAt
		creds.CompanyID = claims.CompanyID
	}
	if creds.ExpiresAt.IsZero() && expiresIn > 0 {
		creds.ExpiresAt = now.Add(expiresIn)
	}
	m.pending = creds
	m.logger.Info("using credentials from a fresh authorization",
		zap.String("refresh_token", Fingerprint(refreshToken)))
	return true
}

// GetValidToken returns an access token that is not expired (with margin),
// refreshing and persisting a rotated credential set when necessary.
func (m *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, fromAuthorization, err := m.current()
	if err != nil {
		return "", err
	}

	if !m.invalidated && !creds.Expired(m.clock.Now(), m.cfg.RefreshMargin) {
		if fromAuthorization {
			if err := m.persist(ctx, creds); err != nil {
				return "", err
			}
		}
		return creds.AccessToken, nil
	}

	return m.refresh(ctx, creds)
}

// Invalidate forces the next GetValidToken to refresh, after the API rejected the token.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = true
}

// CompanyID returns the tenant company named in the current credentials.
func (m *TokenManager) CompanyID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if creds, _, err := m.current(); err == nil {
		return creds.CompanyID
	}
	return ""
}

// Refreshes returns how many successful refreshes this manager performed.
func (m *TokenManager) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// current returns the credential set to use. The bool reports that it came
// from a fresh authorization and is not persisted yet.
func (m *TokenManager) current() (*state.CredentialSet, bool, error) {
	if m.pending != nil {
		return m.pending, true, nil
	}
	creds := m.store.Credentials()
	if creds == nil {
		return nil, false, errors.New(errors.ErrorTypeAuthentication,
			"no stored credentials; the configuration must be authorized first").
			WithDetail("auth_id", m.cfg.AuthID)
	}
	if !creds.MatchesAuthID(m.cfg.AuthID) {
		return nil, false, errors.New(errors.ErrorTypeAuthentication,
			"stored credentials belong to a different authorization; re-authorize the configuration").
			WithDetail("auth_id", m.cfg.AuthID)
	}
	return creds, false, nil
}

func (m *TokenManager) refresh(ctx context.Context, creds *state.CredentialSet) (string, error) {
	ctx, span := m.tracer.Start(ctx, "auth.refresh", trace.WithAttributes(
		attribute.String("auth_id", m.cfg.AuthID),
	))
	defer span.End()

	log := logger.WithContext(ctx, m.logger).With(zap.String("refresh_token", Fingerprint(creds.RefreshToken)))
	log.Debug("refreshing access token")

	policy := m.cfg.Retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		log.Warn("token refresh failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})

	var grant *Grant
	err := policy.Execute(ctx, func(ctx context.Context) error {
		g, err := m.refresher.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		switch {
		case ctx.Err() != nil:
			return "", err
		case errors.IsType(err, errors.ErrorTypeAuthentication):
			m.record("rejected")
			log.Error("refresh token rejected; re-authorization required", zap.Error(err))
			return "", err
		default:
			m.record("transient")
			return "", errors.Wrap(err, errors.ErrorTypeAuthentication, "token refresh failed after retries")
		}
	}
	if grant.AccessToken == "" {
		m.record("rejected")
		return "", errors.New(errors.ErrorTypeAuthentication, "token endpoint returned no access token")
	}

	next := &state.CredentialSet{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		AuthID:       m.cfg.AuthID,
		CompanyID:    creds.CompanyID,
		IssuedAt:     m.clock.Now().UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = next.IssuedAt.Add(m.cfg.DefaultLifetime)
		log.Debug("token endpoint stated no expiry, assuming default lifetime",
			zap.Duration("lifetime", m.cfg.DefaultLifetime))
	}
	if next.RefreshToken == creds.RefreshToken {
		log.Warn("token endpoint did not rotate the refresh token")
	}
	if claims, err := ParseAccessToken(next.AccessToken); err == nil && claims.CompanyID != "" {
		next.CompanyID = claims.CompanyID
	}

	if err := m.persist(ctx, next); err != nil {
		m.record("persist_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return "", err
	}

	m.invalidated = false
	m.refreshes++
	m.record("success")
	log.Info("access token refreshed",
		zap.String("new_refresh_token", Fingerprint(next.RefreshToken)),
		zap.Time("expires_at", next.ExpiresAt))
	return next.AccessToken, nil
}

// persist saves creds; the previous refresh token is already spent, so the
// new set must be durable before anyone uses it.
func (m *TokenManager) persist(ctx context.Context, creds *state.CredentialSet) error {
	if err := m.store.SaveCredentials(ctx, creds); err != nil {
		m.logger.Error("failed to persist credentials", zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeState, "credentials could not be persisted")
	}
	m.pending = nil
	return nil
}

func (m *TokenManager) record(result string) {
	if m.metrics != nil {
		m.metrics.TokenRefresh(result)
	}
}
