package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// Rejection reasons. Any other error returned by Gate.Authenticate is a store failure.
var (
	ErrMissingCredentials = errors.New("missing API key")
	ErrInvalidCredentials = errors.New("invalid or inactive API key")
)

// KeyStore is the subset of the key repository the gate needs.
type KeyStore interface {
	CountActiveKeys(ctx context.Context) (int, error)
	FindActiveKey(ctx context.Context, token string) (*models.APIKey, error)
}

// Principal is the outcome of a successful authentication. Key is nil when
// authentication is disabled because no active key exists.
type Principal struct {
	Key *models.APIKey
}

// UserID returns the owning user, or "" for anonymous access.
func (p Principal) UserID() string {
	if p.Key == nil {
		return ""
	}
	return p.Key.UserID
}

// Token returns the presented key, or "" for anonymous access.
func (p Principal) Token() string {
	if p.Key == nil {
		return ""
	}
	return p.Key.APIKey
}

// Gate applies the default-open policy: with no active keys every request is
// allowed, otherwise an active bearer token is required. The key count is read
// on every call so keys added at runtime take effect on the next request.
type Gate struct {
	store KeyStore
}

// NewGate creates a Gate backed by store.
func NewGate(store KeyStore) *Gate {
	return &Gate{store: store}
}

// Authenticate decides whether token may proceed. token is the bare key with
// the Bearer prefix already removed, or "" when none was presented.
func (g *Gate) Authenticate(ctx context.Context, token string) (Principal, error) {
	active, err := g.store.CountActiveKeys(ctx)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to count active keys: %w", err)
	}
	if active == 0 {
		return Principal{}, nil
	}

	if token == "" {
		return Principal{}, ErrMissingCredentials
	}

	key, err := g.store.FindActiveKey(ctx, token)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to look up API key: %w", err)
	}
	if key == nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Key: key}, nil
}

// IsRejection reports whether err is a credential rejection rather than a store failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
