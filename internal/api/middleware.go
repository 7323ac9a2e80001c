package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for missing, malformed, or unverifiable tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

type claimsKey struct{}

// TokenClaims is the verified identity attached to a request. Tokens are
// issued elsewhere; this service only consumes them.
type TokenClaims struct {
	OwnerID uuid.UUID
	Admin   bool
}

// ClaimsFromContext returns the claims the auth middleware attached.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*TokenClaims)
	return claims, ok
}

// Authenticator verifies HS256 bearer tokens and attaches TokenClaims to the
// request context.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify wraps a handler with bearer-token verification.
func (a *Authenticator) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.parseRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOwner rejects requests whose {ownerID} path parameter does not match
// the token subject. Admin tokens may act on any owner.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token claims")
			return
		}

		ownerID, err := uuid.Parse(chi.URLParam(r, "ownerID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid owner id")
			return
		}
		if !claims.Admin && claims.OwnerID != ownerID {
			writeError(w, http.StatusForbidden, "access_denied", "token does not grant access to this owner")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects tokens without the admin claim. Migration routes are
// operator-only.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing token claims")
			return
		}
		if !claims.Admin {
			writeError(w, http.StatusForbidden, "access_denied", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) parseRequest(r *http.Request) (*TokenClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrInvalidToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, ErrInvalidToken
	}
	return a.verifyToken(strings.TrimSpace(header[len("Bearer "):]))
}

func (a *Authenticator) verifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	ownerID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidToken
	}

	admin, _ := claims["admin"].(bool)
	return &TokenClaims{OwnerID: ownerID, Admin: admin}, nil
}
