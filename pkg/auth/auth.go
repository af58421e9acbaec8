// Package auth verifies and issues the signed bearer tokens presented at login.
//
// Tokens are HS256 JWTs. Verification collapses every failure (malformed,
// expired, bad signature, wrong issuer) into ErrInvalidToken so callers cannot
// leak which check failed.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is the only error Verify returns.
var ErrInvalidToken = errors.New("invalid token")

// ErrEmptySecret is returned when a verifier or issuer is built without a key.
var ErrEmptySecret = errors.New("auth: signing secret must not be empty")

// Claims is the JWT payload. Both admin spellings are accepted because
// issuers in the wild have used either.
type Claims struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
	IsAdmin      bool   `json:"isAdmin,omitempty"`
	IsAdminSnake bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the claimed, not yet resolved, identity decoded from a token.
type Identity struct {
	UserID       int64
	Username     string
	IsAdmin      bool
	IsAdminSnake bool
	ExpiresAt    time.Time
}

// Subject is what an issuer signs into a token.
type Subject struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

type options struct {
	issuer string
	now    func() time.Time
	leeway time.Duration
}

// Option configures a Verifier or Issuer.
type Option func(*options)

// WithIssuer sets the iss claim written by an Issuer and required by a Verifier.
func WithIssuer(name string) Option {
	return func(o *options) { o.issuer = name }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLeeway tolerates small clock skew on exp/nbf checks.
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Verifier checks token signature and expiry against the server secret.
type Verifier struct {
	secret []byte
	opts   options
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: secret, opts: buildOptions(opts)}, nil
}

// Verify parses tokenStr and returns the claimed identity.
// It has no side effects.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.opts.now),
		jwt.WithLeeway(v.opts.leeway),
	}
	if v.opts.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Username == "" {
		return Identity{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		if parsed, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			userID = parsed
		}
	}

	return Identity{
		UserID:       userID,
		Username:     claims.Username,
		IsAdmin:      claims.IsAdmin,
		IsAdminSnake: claims.IsAdminSnake,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Issuer signs tokens for subjects. It stands in for the external login service.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	opts   options
}

// NewIssuer creates an HS256 issuer. A non-positive ttl defaults to 24h.
func NewIssuer(secret []byte, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl, opts: buildOptions(opts)}, nil
}

// Issue signs a token for sub.
func (i *Issuer) Issue(sub Subject) (string, error) {
	now := i.opts.now()
	claims := &Claims{
		UserID:   sub.UserID,
		Username: sub.Username,
		IsAdmin:  sub.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(sub.UserID, 10),
			Issuer:    i.opts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}
