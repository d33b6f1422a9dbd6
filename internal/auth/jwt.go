// Package auth verifies the credentials presented on the realtime handshake
// and on the public read endpoints. Tokens are issued by the identity
// provider; Issue exists only for development and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means no credential was presented.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers malformed, tampered or subject-less tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken means the token was well formed but is past its expiry.
	ErrExpiredToken = errors.New("expired token")
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth disabled")
)

// Rejection reasons sent to clients whose handshake fails.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonExpiredToken = "expired_token"
)

// Identity is the verified caller.
type Identity struct {
	UserID string
	Name   string
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds a verifier. issuer, when set, must match the iss claim.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify validates credential and returns the identity it carries.
func (v *Verifier) Verify(_ context.Context, credential string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrExpiredToken
	}
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	// ':' separates topic segments, so it may not appear in a user id.
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" || strings.ContainsRune(claims.Subject, ':') {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Name: strings.TrimSpace(claims.Name)}, nil
}

// Reason maps a Verify error to the rejection reason sent to the client.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, ErrExpiredToken):
		return ReasonExpiredToken
	default:
		return ReasonInvalidToken
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Issue signs a token for userID. It exists for local development and tests;
// production credentials come from the identity provider.
func Issue(secret, issuer, userID, name string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
