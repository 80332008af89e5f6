package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// companyClaim is the access token claim naming the tenant company.
const companyClaim = "cnyId"

// TokenClaims are the unverified claims read from an access token.
type TokenClaims struct {
	CompanyID string
	ExpiresAt time.Time
}

// ParseAccessToken reads the claims of a JWT access token without verifying
// its signature; the API verifies it on every call. Opaque tokens return an error.
func ParseAccessToken(token string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, err
	}

	var out TokenClaims
	if company, ok := claims[companyClaim]; ok {
		switch v := company.(type) {
		case string:
			out.CompanyID = v
		case float64:
			out.CompanyID = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	return out, nil
}

// Fingerprint returns a short, non-reversible identifier of a token for logs.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
