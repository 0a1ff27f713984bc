// Package auth resolves the caller's identity and checks account ownership.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"transaction-service/pkg/models"

	"github.com/golang-jwt/jwt/v4"
)

// Role of an authenticated caller.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	CustomerID string
	Role       Role
}

// IsAdmin reports whether the caller may act on any account.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims carried by tokens accepted by JWTVerifier. The subject is the
// customer id.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}

	role := claims.Role
	if role == "" {
		role = RoleCustomer
	}
	return Identity{CustomerID: claims.Subject, Role: role}, nil
}

// Sign issues a token for id that expires after ttl.
func (v *JWTVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.CustomerID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// OwnerLookup resolves who owns an account.
type OwnerLookup interface {
	GetOwner(ctx context.Context, account string) (string, error)
}

// AccountGuard allows a caller to act on an account only if they own it,
// unless they are an admin.
type AccountGuard struct {
	owners OwnerLookup
}

// NewAccountGuard creates a guard.
func NewAccountGuard(owners OwnerLookup) *AccountGuard {
	return &AccountGuard{owners: owners}
}

// Authorize returns models.ErrForbidden unless the identity in ctx may act on account.
func (g *AccountGuard) Authorize(ctx context.Context, account string) error {
	id, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no identity", models.ErrForbidden)
	}
	if id.IsAdmin() {
		return nil
	}

	owner, err := g.owners.GetOwner(ctx, account)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: account %s", models.ErrForbidden, account)
	}
	if err != nil {
		return err
	}
	if owner != id.CustomerID {
		return fmt.Errorf("%w: account %s", models.ErrForbidden, account)
	}
	return nil
}
