// Package middleware provides HTTP middleware for the triage API.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, X-Operator-ID, X-Operator-Key, X-Request-Id"
	corsMaxAge  = 10 * time.Minute
)

// CORS answers cross-origin requests for the dashboard and chat widget
// origins listed in ALLOWED_ORIGINS. An empty list or "*" allows any origin,
// matching the chat hub's WebSocket origin check. Credentials are only
// granted to origins that are named explicitly.
type CORS struct {
	explicit map[string]bool
	wildcard bool
	logger   *slog.Logger
}

// NewCORS builds the policy from the configured origins. Origins are
// compared without case and without a trailing slash.
func NewCORS(allowedOrigins []string, logger *slog.Logger) *CORS {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CORS{explicit: make(map[string]bool), logger: logger}
	for _, o := range allowedOrigins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			c.wildcard = true
		default:
			c.explicit[o] = true
		}
	}
	if len(c.explicit) == 0 {
		c.wildcard = true
	}
	return c
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))
}

// allows reports whether origin may call the API and whether it is one of
// the explicitly listed origins.
func (c *CORS) allows(origin string) (allowed, explicit bool) {
	if c.explicit[normalizeOrigin(origin)] {
		return true, true
	}
	return c.wildcard, false
}

// Handler wraps next with the CORS policy. Preflight requests are answered
// directly; a preflight from a rejected origin gets 403.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")

		allowed, explicit := c.allows(origin)
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		if !allowed {
			c.logger.Warn("CORS origin rejected", "origin", origin, "path", r.URL.Path)
			if preflight {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		if explicit {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if preflight {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge.Seconds())))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
