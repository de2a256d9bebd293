// Package middleware holds the HTTP middleware shared by the REST and
// WebSocket servers.
package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// openPaths never require a secret.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// SharedSecretAuth is a single-secret, constant-time-compare credential
// check. A secret may be presented as X-API-Key or as `Authorization:
// Bearer <secret>`; a JWT signed with the secret as HMAC key is also
// accepted on the Bearer path.
type SharedSecretAuth struct {
	secret []byte
}

// NewSharedSecretAuth builds the middleware. An empty secret disables
// authentication entirely - every request is admitted.
func NewSharedSecretAuth(secret string) *SharedSecretAuth {
	return &SharedSecretAuth{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *SharedSecretAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Handler returns the http.Handler middleware.
func (a *SharedSecretAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if a.check(r) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// Check reports whether r carries a valid credential, for use by the
// WebSocket upgrade handler (which has no middleware chain of its own).
func (a *SharedSecretAuth) Check(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	return a.check(r)
}

func (a *SharedSecretAuth) check(r *http.Request) bool {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		presented := strings.TrimPrefix(authHeader, "Bearer ")

		if a.constantTimeEqual(presented) {
			return true
		}

		token, err := jwt.Parse(presented, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		})
		if err == nil && token.Valid {
			return true
		}
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.constantTimeEqual(apiKey)
	}

	return false
}

func (a *SharedSecretAuth) constantTimeEqual(presented string) bool {
	if len(presented) != len(a.secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), a.secret) == 1
}
