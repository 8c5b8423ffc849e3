package auth

import (
	"crypto/subtle"
	"errors"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// DefaultOperator is the login name when none is configured
const DefaultOperator = "admin"

// Config holds the operator credentials and token settings
type Config struct {
	Enabled  bool
	Username string
	// Password is plaintext or a bcrypt hash
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// Authenticator guards the control endpoints with a single operator
// account. It is safe for concurrent use.
type Authenticator struct {
	enabled  bool
	operator string
	hash     []byte
	tokens   *TokenIssuer
}

// NewAuthenticator creates an authenticator. Configuration problems are
// logged and leave authentication enabled with every login failing.
func NewAuthenticator(cfg Config) *Authenticator {
	a := &Authenticator{enabled: cfg.Enabled, operator: cfg.Username}
	if a.operator == "" {
		a.operator = DefaultOperator
	}
	if !cfg.Enabled {
		return a
	}

	hash, err := passwordHash(cfg.Password)
	if err != nil {
		log.Printf("[Auth] Operator password unusable, every login will fail: %v", err)
	}
	a.hash = hash

	tokens, err := NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		log.Printf("[Auth] Token issuer unavailable, every login will fail: %v", err)
	}
	a.tokens = tokens
	return a
}

// passwordHash accepts an existing bcrypt hash or hashes plaintext
func passwordHash(password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("no password configured")
	}
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// IsEnabled reports whether control requests need a token
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Login checks the operator credentials and issues a bearer token
func (a *Authenticator) Login(username, password string) (Token, error) {
	if !a.enabled {
		return Token{}, ErrAuthDisabled
	}
	if a.hash == nil || a.tokens == nil {
		return Token{}, ErrInvalidCredentials
	}

	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.operator)) == 1
	// the hash is always compared so unknown names cost the same
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !nameOK || passErr != nil {
		return Token{}, ErrInvalidCredentials
	}
	return a.tokens.Issue(a.operator)
}

// Verify validates a bearer token
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if a.tokens == nil {
		return nil, ErrInvalidToken
	}
	return a.tokens.Verify(token)
}

// HashPassword returns a bcrypt hash suitable for AUTH_PASSWORD
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
