// Package auth issues and validates the session cookie. Authentication
// is optional everywhere: an absent or invalid cookie just means an
// anonymous caller.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelgate/modelgate/internal/apperr"
)

// CookieName is the session cookie the API reads and writes.
const CookieName = "auth"

const sessionTTL = 24 * time.Hour

// Service signs and verifies session tokens with a shared HS256 secret.
type Service struct {
	secret []byte
}

// New builds a Service from the configured JWT secret.
func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Login checks the stub credential set and returns the user id on
// success. Real identity providers plug in behind this signature.
func (s *Service) Login(email, password string) (string, bool) {
	if email == "demo@local" && password == "demo123" {
		return "demo-user", true
	}
	return "", false
}

// Issue signs a session token for the user, valid for 24 hours.
func (s *Service) Issue(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", apperr.Wrap(err, "sign session token")
	}
	return signed, nil
}

// Validate verifies a session token and returns its subject.
func (s *Service) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", apperr.BadRequest("invalid session token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", apperr.BadRequest("invalid session token")
	}
	return claims.Subject, nil
}
