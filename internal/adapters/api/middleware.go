package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

type contextKey string

const (
	CtxKeyID contextKey = "api_key_id"
	CtxRole  contextKey = "role"
)

// HashAPIKey returns the stored form of a raw bearer key.
func HashAPIKey(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

func AuthMiddleware(repo ports.APIKeyRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization header")
				return
			}

			apiKey, err := repo.GetAPIKeyByHash(r.Context(), HashAPIKey(strings.TrimPrefix(authHeader, "Bearer ")))
			if err != nil {
				slog.ErrorContext(r.Context(), "api key lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
				return
			}

			if apiKey == nil || !apiKey.Active {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or inactive API key")
				return
			}

			if apiKey.Expired(time.Now()) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "API key expired")
				return
			}

			ctx := context.WithValue(r.Context(), CtxKeyID, apiKey.ID)
			ctx = context.WithValue(ctx, CtxRole, apiKey.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(CtxRole).(domain.Role)
			if !ok {
				writeError(w, http.StatusForbidden, "forbidden", "role not found in context")
				return
			}

			allowed := false
			for _, candidate := range roles {
				if candidate == role {
					allowed = true
					break
				}
			}

			if !allowed {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP rejects requests once the client address runs out of attempts.
// A nil limiter disables the check. Limiter failures let the request through.
func RateLimitByIP(limiter ports.AttemptLimiter, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable", "limiter", name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimited.WithLabelValues(name).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, string(domain.KindRateLimited), "too many attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
