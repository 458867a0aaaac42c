package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"optrack/driver-agent/internal/model"
)

var (
	// ErrInvalidCredentials is returned when the identifier or secret does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotConfigured is returned when no operator credential has been configured.
	ErrNotConfigured = errors.New("operator credentials not configured")
)

// Messages shown to the operator.
const (
	MessageLoginOK      = "Login bem-sucedido!"
	MessageLoginInvalid = "CPF ou senha inválidos ou usuário inativo."
	MessageLoginFailed  = "Erro ao tentar fazer login. Tente novamente mais tarde."
	MessageLogout       = "Logout realizado com sucesso."
	MessageExpired      = "Sessão encerrada por inatividade."
)

// AuthError is a user-visible login failure. It never changes session state.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Result is a successful verification.
type Result struct {
	Token     string
	ExpiresAt time.Time
	Profile   model.Profile
}

// Authenticator verifies operator credentials against an auth backend.
type Authenticator interface {
	Verify(ctx context.Context, identifier, secret string) (Result, error)
}

// StaticAuthenticator accepts a single configured operator.
type StaticAuthenticator struct {
	identifier string
	hash       []byte
	profile    model.Profile
	ttl        time.Duration
	now        func() time.Time
}

// NewStaticAuthenticator builds an authenticator for identifier and a bcrypt secretHash.
// An empty identifier or hash yields an authenticator that rejects every login with
// ErrNotConfigured.
func NewStaticAuthenticator(identifier, secretHash string, profile model.Profile, ttl time.Duration) *StaticAuthenticator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StaticAuthenticator{
		identifier: NormalizeIdentifier(identifier),
		hash:       []byte(secretHash),
		profile:    profile,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Verify checks identifier and secret and issues a fresh token.
func (a *StaticAuthenticator) Verify(ctx context.Context, identifier, secret string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if a.identifier == "" || len(a.hash) == 0 {
		return Result{}, ErrNotConfigured
	}
	if NormalizeIdentifier(identifier) != a.identifier {
		return Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(secret)); err != nil {
		return Result{}, ErrInvalidCredentials
	}

	return Result{
		Token:     "tok_" + uuid.NewString(),
		ExpiresAt: a.now().Add(a.ttl),
		Profile:   a.profile,
	}, nil
}

// HashSecret returns the bcrypt hash of secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// NormalizeIdentifier strips everything but digits, so formatted CPFs match their bare form.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
