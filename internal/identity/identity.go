// Package identity identifies the operators calling the human-reply API.
package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	OperatorHeaderName = "X-Operator-ID"
	OperatorKeyHeader  = "X-Operator-Key"
)

type contextKey int

const operatorIDKey contextKey = iota

var operatorIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,64}$`)

// OperatorIDFromContext extracts the operator ID from the request context.
func OperatorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOperatorID returns a context carrying the operator ID.
func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

func reject(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Operator requires a valid X-Operator-ID header. When apiKey is not empty
// the X-Operator-Key header must match it.
func Operator(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				got := r.Header.Get(OperatorKeyHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
					reject(w, http.StatusUnauthorized, "invalid operator key")
					return
				}
			}

			operatorID := strings.TrimSpace(r.Header.Get(OperatorHeaderName))
			if !operatorIDPattern.MatchString(operatorID) {
				reject(w, http.StatusUnauthorized, "missing or invalid operator id")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperatorID(r.Context(), operatorID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting keys.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
