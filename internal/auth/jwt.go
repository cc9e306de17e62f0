// Package auth verifies the HS256 tokens issued by the users service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pong-tournament/internal/domain"
)

// Identity is the authenticated caller
type Identity struct {
	UserID   int64
	Username string
}

type claims struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates and issues tokens signed with a shared secret
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses token and returns the identity it carries
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, domain.ErrUnauthenticated
	}

	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	cl, ok := tok.Claims.(*claims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: bad claims", domain.ErrUnauthenticated)
	}

	id, err := cl.ID.Int64()
	if err != nil || id <= 0 {
		return Identity{}, fmt.Errorf("%w: bad user id", domain.ErrUnauthenticated)
	}
	return Identity{UserID: id, Username: cl.Username}, nil
}

// Issue signs a token for identity valid for ttl
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ID:       json.Number(fmt.Sprint(identity.UserID)),
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return tok.SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter used by browser websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithIdentity stores identity in ctx
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom returns the identity stored by Middleware
func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(ctxKey{}).(Identity)
	return identity, ok
}

// Middleware rejects requests without a valid token
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := v.Verify(TokenFromRequest(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": domain.ErrUnauthenticated.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// IsUnauthenticated reports whether err is a token failure
func IsUnauthenticated(err error) bool {
	return errors.Is(err, domain.ErrUnauthenticated)
}
