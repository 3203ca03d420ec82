/*
auth.go - Bearer token authentication

PURPOSE:
  Validates HS256 JWTs issued by the identity service. The "sub" claim is
  the user id; "role" is either "user" or "admin". User routes may only be
  used on the caller's own account; admin routes require the admin role.

  The provider callback route is not token based. It is authenticated with
  the shared provider API key in the x-api-key header.

SEE ALSO:
  - server.go: Where the middleware is mounted
*/
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims are the token claims the service understands.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for userID. Used by tests and local tooling.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticate validates the bearer token and stores the Principal.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required", nil)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format", nil)
				return
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "User ID not found in token", nil)
				return
			}
			role := claims.Role
			if role != RoleAdmin {
				role = RoleUser
			}

			ctx := withPrincipal(r.Context(), Principal{UserID: claims.Subject, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Unauthenticated treats every caller as admin. Only for local runs
// without a JWT secret.
func Unauthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := withPrincipal(r.Context(), Principal{UserID: "local", Role: RoleAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects non-admin callers.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOwner lets a caller act only on the account in the {id} URL param,
// unless they are admin.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || (!p.IsAdmin() && p.UserID != chi.URLParam(r, "id")) {
			writeError(w, http.StatusForbidden, "Not allowed to access this account", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAPIKey checks the x-api-key header. An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("x-api-key")), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalOrAnonymous(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return fmt.Sprintf("%s:%s", p.Role, p.UserID)
	}
	return "anonymous"
}
