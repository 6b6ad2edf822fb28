package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	jwt.RegisteredClaims
}

// newAuthMiddleware accepts either a Bearer JWT signed with the
// configured secret or a matching X-Access-Key header. With neither
// secret nor key configured, auth is disabled. The health endpoint is
// always open.
func newAuthMiddleware(opts Options) func(http.Handler) http.Handler {
	enabled := opts.JWTSecret != "" || opts.AccessKey != ""
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if opts.AccessKey != "" {
				key := r.Header.Get("X-Access-Key")
				if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(opts.AccessKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if opts.JWTSecret != "" {
				if token := bearerToken(r); token != "" {
					if err := authenticateJWT(token, opts.JWTSecret); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			respondStatusError(w, http.StatusUnauthorized, "missing or invalid credentials")
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func authenticateJWT(token, secret string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	_, err := parser.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	return nil
}

func respondStatusError(w http.ResponseWriter, status int, message string) {
	e := &apiError{status: status}
	e.Err.Code = codeForStatus(status)
	e.Err.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}
