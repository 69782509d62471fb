package api

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials identify the student and authorize calls. They are owned by
// the host application; the engine only reads them.
type Credentials struct {
	BaseURL   string
	Token     string
	StudentID string
}

// Check rejects credentials that cannot possibly succeed: missing fields,
// or a JWT bearer token whose exp claim has passed. The signature is not
// verified here; that is the service's job.
func (c Credentials) Check(now time.Time) error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return unauthorized("credentials", "base url not configured")
	case strings.TrimSpace(c.Token) == "":
		return unauthorized("credentials", "bearer token not configured")
	case strings.TrimSpace(c.StudentID) == "":
		return unauthorized("credentials", "student id not configured")
	}

	if strings.Count(c.Token, ".") != 2 {
		return nil // opaque token
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return nil // not a JWT after all; let the service decide
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return unauthorized("credentials", "bearer token expired at "+claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// CredentialsProvider returns the credentials to use for the next call.
type CredentialsProvider interface {
	Credentials() Credentials
}

// StaticCredentials is a CredentialsProvider the host can update in place
// after re-authentication.
//
// Thread-safety: safe for concurrent use.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewStaticCredentials creates a provider holding c.
func NewStaticCredentials(c Credentials) *StaticCredentials {
	return &StaticCredentials{creds: c}
}

// Credentials returns the current credentials.
func (s *StaticCredentials) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Update replaces the credentials.
func (s *StaticCredentials) Update(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
}
