package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/amitpaz1/formbridge/pkg/authn"
	"github.com/amitpaz1/formbridge/pkg/httpx"
	"github.com/amitpaz1/formbridge/pkg/ratelimit"
)

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(httpx.RequestIDHeader))
		if id == "" {
			id = httpx.NewRequestID()
		}
		w.Header().Set(httpx.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requireAPIKey(keys *authn.KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !keys.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := keys.Authenticate(r.Header.Get("Authorization")); err != nil {
				httpx.WriteError(w, 401, "unauthorized", "UNAUTHORIZED", "bearer api key required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimit(limiter ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIPFromRequest(r)
			if tok, ok := authn.ParseBearer(r.Header.Get("Authorization")); ok {
				key = "key:" + authn.HashToken(tok)
			}
			d := limiter.Allow(r.Context(), key)
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				logger.WarnContext(r.Context(), "rate limited", slog.String("path", r.URL.Path))
				httpx.WriteError(w, 429, "rate_limited", "RATE_LIMITED", "too many requests", nil)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPFromRequest(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if v := strings.TrimSpace(strings.Split(xff, ",")[0]); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) == "" {
		return "unknown"
	}
	return strings.TrimSpace(r.RemoteAddr)
}
