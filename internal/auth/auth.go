// Package auth turns the credential presented on the signaling upgrade request
// into a caller identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is who a signaling connection speaks for. UserName keys every
// registry and directory lookup; Role selects the session budget policy.
type Identity struct {
	UserName string
	Role     string
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest reads the bearer token from the `token` query
// parameter (browsers cannot set headers on WebSocket upgrades) or from an
// Authorization: Bearer header.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}

// Authenticator applies the configured AUTH_MODE to an upgrade request.
type Authenticator struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewAuthenticator(cfg config.Config) (*Authenticator, error) {
	a := &Authenticator{mode: cfg.AuthMode}
	if cfg.AuthMode == config.AuthModeNone {
		return a, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	a.verifier = v
	return a, nil
}

func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.mode == config.AuthModeNone {
		q := r.URL.Query()
		id := Identity{
			UserName: strings.TrimSpace(q.Get("userName")),
			Role:     strings.TrimSpace(q.Get("role")),
		}
		if id.UserName == "" {
			return Identity{}, ErrMissingCredentials
		}
		return id, nil
	}
	if a.verifier == nil {
		return Identity{}, errors.New("auth verifier not configured")
	}

	cred, err := CredentialFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return a.verifier.Verify(cred)
}
