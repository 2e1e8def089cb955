package session

import (
	"context"
	"fmt"
	"time"

	"caseguard/api/internal/auth"
)

// Identity is the authenticated caller behind a request.
type Identity struct {
	UserID    string
	Email     string
	Name      string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

// RevocationChecker reports whether an access token id has been revoked.
type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type tokenKey struct{}

// WithToken attaches the raw bearer token of the current request to ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Resolver turns the request token into an Identity. Every call verifies the
// token and asks the revocation store; results are never cached.
type Resolver struct {
	secret  []byte
	revoked RevocationChecker
}

func NewResolver(secret []byte, revoked RevocationChecker) *Resolver {
	return &Resolver{secret: secret, revoked: revoked}
}

// Current returns the caller identity. ok is false, with a nil error, when
// the context carries no usable token. An error means the revocation lookup
// itself failed.
func (r *Resolver) Current(ctx context.Context) (Identity, bool, error) {
	token := TokenFromContext(ctx)
	if token == "" {
		return Identity{}, false, nil
	}
	return r.Verify(ctx, token)
}

// Verify resolves an explicit token, for callers that do not carry one in ctx.
func (r *Resolver) Verify(ctx context.Context, token string) (Identity, bool, error) {
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return Identity{}, false, nil
	}

	if r.revoked != nil {
		revoked, err := r.revoked.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Identity{}, false, fmt.Errorf("resolve session: %w", err)
		}
		if revoked {
			return Identity{}, false, nil
		}
	}

	return Identity{
		UserID:    claims.Sub,
		Email:     claims.Email,
		Name:      claims.Name,
		Role:      claims.Role,
		TokenID:   claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, true, nil
}
