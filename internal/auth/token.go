// Package auth exchanges the shared admin password for signed capability tokens
// and verifies those tokens on privileged commands.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stv-board/internal/config"
	"github.com/stv-board/internal/domain"
)

// RoleAdmin is the only capability a token can carry.
const RoleAdmin = "admin"

var errInvalidPassword = fmt.Errorf("%w: invalid password", domain.ErrUnauthorized)

// Claims is the decoded content of a capability token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the claims grant the admin capability.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Issuer signs and verifies capability tokens. It keeps no state between calls.
type Issuer struct {
	password []byte
	secret   []byte
	ttl      time.Duration
	issuer   string
	clock    clockwork.Clock
}

// NewIssuer creates an issuer from auth configuration.
func NewIssuer(cfg *config.AuthConfig, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{
		password: []byte(cfg.AdminPassword),
		secret:   []byte(cfg.TokenSecret),
		ttl:      cfg.TokenTTL,
		issuer:   cfg.Issuer,
		clock:    clock,
	}
}

// Login compares password against the configured admin password and returns a
// signed admin token on a match.
func (i *Issuer) Login(password string) (string, error) {
	if len(i.password) == 0 || password == "" {
		return "", errInvalidPassword
	}
	if subtle.ConstantTimeCompare([]byte(password), i.password) != 1 {
		return "", errInvalidPassword
	}
	return i.NewToken()
}

// NewToken signs a fresh admin token.
func (i *Issuer) NewToken() (string, error) {
	now := i.clock.Now()
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   RoleAdmin,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify decodes token and returns its claims only if it is well formed, signed
// with our secret, unexpired and grants the admin role.
func (i *Issuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token required", domain.ErrUnauthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithIssuer(i.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, domain.ErrTokenExpired)
		}
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	if !parsed.Valid || !claims.IsAdmin() {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	return claims, nil
}

func (i *Issuer) keyFunc(_ *jwt.Token) (any, error) {
	return i.secret, nil
}
