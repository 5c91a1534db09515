// Package auth provides password hashing, access tokens and the bearer-token
// middleware for the Calmora API.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. Client registers or logs in with username + password
//  2. Server verifies the bcrypt hash and issues a signed access token
//  3. Client sends it back on every call: Authorization: Bearer <token>
//  4. RequireAuth validates the token and puts the userID in the request context
//
// TOKEN STRUCTURE (three base64url parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header:    {"alg":"HS256","typ":"JWT"}
//	- Payload:   {"sub":"<userID>","iss":"calmora","iat":...,"exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secret)
//
// Verification needs only the secret, no database lookup.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long an access token stays valid.
const DefaultTokenTTL = 7 * 24 * time.Hour

const issuer = "calmora"

var (
	// ErrInvalidToken covers bad signatures, undecodable payloads, wrong
	// algorithm or issuer, and a missing subject.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired is returned when exp is at or before the current time.
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenService issues and verifies HS256 access tokens.
//
// now is a field so tests can move the clock instead of sleeping.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService with the given secret and lifetime.
// A non-positive ttl means DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of s that reads the current time from now.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

// TTL reports the lifetime given to newly issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue creates and signs a token whose subject is userID.
func (s *TokenService) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: cannot issue token without a subject")
	}
	now := s.now()

	c := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns the userID stored in "sub".
//
// Checks performed by the jwt library:
//   - signature matches the secret
//   - alg is HS256 (rejects "none" and algorithm confusion)
//   - iss is "calmora"
//   - exp is present and still in the future
func (s *TokenService) Verify(tokenStr string) (string, error) {
	var c jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return "", ErrInvalidToken
	}

	return c.Subject, nil
}
