package auth

import (
	"net/http"
	"strings"
	"time"
)

const tokenLeeway = 2 * time.Second

// Publisher authorises the producers allowed to write positions.
type Publisher interface {
	// Authorize returns the publisher identity for token. Open deployments return an
	// empty identity and no error.
	Authorize(token string) (string, error)
	// Required reports whether write paths must present a token at all.
	Required() bool
}

type openPublisher struct{}

func (openPublisher) Authorize(string) (string, error) { return "", nil }
func (openPublisher) Required() bool                   { return false }

type tokenPublisher struct {
	verifier *HMACTokenVerifier
}

func (p tokenPublisher) Authorize(token string) (string, error) {
	claims, err := p.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (tokenPublisher) Required() bool { return true }

// NewPublisher returns an authoriser for the shared secret. An empty secret leaves
// every write path open.
func NewPublisher(secret string) (Publisher, error) {
	if strings.TrimSpace(secret) == "" {
		return openPublisher{}, nil
	}
	verifier, err := NewHMACTokenVerifier(secret, tokenLeeway)
	if err != nil {
		return nil, err
	}
	return tokenPublisher{verifier: verifier}, nil
}

// NewPublisherWithVerifier wraps an existing verifier.
func NewPublisherWithVerifier(v *HMACTokenVerifier) Publisher {
	if v == nil {
		return openPublisher{}
	}
	return tokenPublisher{verifier: v}
}

// TokenFromRequest extracts a publisher token from the auth_token query parameter, the
// X-Auth-Token header or a bearer Authorization header, in that order.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken strips the Bearer scheme from an Authorization value.
func BearerToken(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}
