package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Issuer is stamped into every token and required on verification
const Issuer = "trafficmon"

// DefaultExpiry applies when no expiry is configured
const DefaultExpiry = 24 * time.Hour

// Claims identify the operator behind a control request. The operator name
// travels in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Operator returns the authenticated operator name
func (c *Claims) Operator() string {
	return c.Subject
}

// Token is a signed bearer token and the moment it stops being accepted
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies HS256 operator tokens
type TokenIssuer struct {
	key    []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. Without a secret a random key is
// generated and tokens do not survive a restart.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		log.Printf("[Auth] No JWT secret configured; tokens are invalidated on restart")
	}
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &TokenIssuer{
		key: key,
		ttl: ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}, nil
}

// TTL returns how long issued tokens stay valid
func (ti *TokenIssuer) TTL() time.Duration {
	return ti.ttl
}

// Issue signs a token for operator
func (ti *TokenIssuer) Issue(operator string) (Token, error) {
	issued := ti.now()
	expires := issued.Add(ti.ttl)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(ti.key)
	if err != nil {
		return Token{}, fmt.Errorf("signing token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expires}, nil
}

// Verify checks signature, issuer and expiry and returns the claims.
// Every failure other than expiry maps to ErrInvalidToken.
func (ti *TokenIssuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := ti.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return ti.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}
