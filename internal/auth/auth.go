// Package auth provides the access token presented on the tracking handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("access token is required")
	ErrTokenExpired = errors.New("access token expired")
)

// Credentials holds the bearer token for the tracking endpoint and REST hooks.
type Credentials struct {
	AccessToken string
}

// LoadCredentials builds credentials from an inline token or a token file.
// The file wins when both are given.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if tokenPath != "" {
		t, err := LoadToken(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		token = t
	}
	if token == "" {
		return nil, ErrNoToken
	}

	return &Credentials{AccessToken: token}, nil
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// ExpiresAt returns the exp claim of a JWT access token. The signature is not
// verified; only the server can do that. Opaque tokens report false.
func (c *Credentials) ExpiresAt() (time.Time, bool) {
	if c == nil || c.AccessToken == "" {
		return time.Time{}, false
	}

	token, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired reports whether the token's exp claim is at or before now.
func (c *Credentials) Expired(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	return ok && !now.Before(exp)
}

// Header returns the handshake headers. Nil credentials yield an empty header,
// which the server treats as an anonymous connection.
func (c *Credentials) Header() (http.Header, error) {
	header := http.Header{}
	if c == nil || c.AccessToken == "" {
		return header, nil
	}
	if c.Expired(time.Now()) {
		return nil, ErrTokenExpired
	}

	header.Set("Authorization", "Bearer "+c.AccessToken)
	return header, nil
}
