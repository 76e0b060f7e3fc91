package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	ownerKey contextKey = "owner_id"
	planKey  contextKey = "plan_tier"
)

// Identity headers set by the external auth layer in front of this service.
// The core trusts them as given.
const (
	headerOwnerID  = "X-Owner-Id"
	headerPlanTier = "X-Plan-Tier"
)

func ownerFromRequest(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

func planFromRequest(r *http.Request) string {
	plan, _ := r.Context().Value(planKey).(string)
	return plan
}

// securityHeadersMiddleware sets standard security headers on all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

const maxBodySize = 1 << 20 // 1 MB for the management surface

// bodySizeMiddleware caps request bodies on the management routes. Proxy
// routes are exempt: the gateway enforces its own, larger limit and must see
// an oversized body as PayloadTooLarge rather than a truncated read error.
func bodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && !isProxyPath(r.URL.Path) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func isProxyPath(path string) bool {
	return strings.HasPrefix(path, "/proxy/") || strings.HasPrefix(path, "/proxy-custom/")
}

// identityMiddleware extracts the verified caller identity. A request
// without one is rejected; nothing here validates credentials — that already
// happened upstream.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(headerOwnerID))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		ctx = context.WithValue(ctx, planKey, r.Header.Get(headerPlanTier))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
