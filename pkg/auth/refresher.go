package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/intacct-extractor/pkg/clients"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// Grant is the token material returned by one refresh exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new grant. Implementations return
// authentication errors for rejected tokens and retryable transient errors for
// failures worth another attempt.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
}

// OAuthRefresher performs the refresh_token grant against the token endpoint.
// Client credentials are sent in the form body.
type OAuthRefresher struct {
	config *oauth2.Config
	http   *clients.HTTPClient
	clock  clockwork.Clock
}

// NewOAuthRefresher creates a refresher for the given OAuth client.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, httpClient *clients.HTTPClient, clock clockwork.Clock) *OAuthRefresher {
	if httpClient == nil {
		httpClient = clients.NewHTTPClient(nil, nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:  httpClient,
		clock: clock,
	}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if err := r.http.Wait(ctx); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.http.StdClient())
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(ctx, err, r.clock.Now())
	}

	grant := &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    r.expiry(tok),
	}
	return grant, nil
}

// expiry prefers expires_in measured on our clock, then the JWT exp claim,
// then the library computed expiry. It is zero when the grant states none.
func (r *OAuthRefresher) expiry(tok *oauth2.Token) time.Time {
	if secs, ok := expiresIn(tok.Extra("expires_in")); ok && secs > 0 {
		return r.clock.Now().Add(time.Duration(secs) * time.Second).UTC()
	}
	if claims, err := ParseAccessToken(tok.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		return claims.ExpiresAt
	}
	return tok.Expiry.UTC()
}

func expiresIn(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// classifyRefreshError maps token endpoint failures onto the error taxonomy.
// 429 and 5xx responses and network failures may be retried; any other
// response (invalid_grant, revoked or rotated token, bad client) is final.
// An HTTP-date Retry-After is measured from now.
func classifyRefreshError(ctx context.Context, err error, now time.Time) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			e := errors.Wrapf(err, errors.ErrorTypeTransient, "token endpoint returned %d", status).
				WithDetail("status", status)
			if re.Response != nil {
				e.WithRetryAfter(clients.ParseRetryAfter(re.Response.Header.Get("Retry-After"), now))
			} else {
				e.AsRetryable()
			}
			return e
		}
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "refresh token rejected").
			WithDetail("status", status).
			WithDetail("error_code", re.ErrorCode)
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return errors.Wrap(err, errors.ErrorTypeTransient, "token endpoint unreachable").AsRetryable()
	}

	return errors.Wrap(err, errors.ErrorTypeAuthentication, "token endpoint returned an unusable response")
}
