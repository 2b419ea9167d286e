package hub

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fanride/backend/internal/auth"
)

// Authenticator validates an incoming hub connection and returns the logical client
// identifier, or "" to fall back to the remote address.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

type hmacAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACAuthenticator builds an Authenticator that verifies HS256 compact tokens carried
// in the auth_token query parameter or the X-Auth-Token header.
func NewHMACAuthenticator(secret string) (Authenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacAuthenticator{verifier: verifier}, nil
}

func (a *hmacAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
