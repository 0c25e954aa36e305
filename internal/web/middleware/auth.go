package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/JonMunkholm/stockimport/internal/core"
	"github.com/JonMunkholm/stockimport/internal/logging"
)

// TenantHeader names the tenant when API keys are not required.
const TenantHeader = "X-Tenant-ID"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// TenantConfig controls how requests are mapped to tenants.
type TenantConfig struct {
	RequireAPIKey bool
	Keys          map[string]string // API key -> tenant
	DefaultTenant string
}

// ErrorWriter renders a rejected request.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error, status int)

// TenantAuth resolves the tenant of every request and stores it with
// core.ContextWithTenant.
//
// With RequireAPIKey the X-API-Key header is mandatory and selects the
// tenant. Otherwise a known API key still wins, then X-Tenant-ID, then
// the default tenant.
func TenantAuth(cfg TenantConfig, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			tenant, ok := lookupKey(apiKey, cfg.Keys)

			switch {
			case ok:
			case cfg.RequireAPIKey && apiKey == "":
				slog.Warn("auth: missing API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				fail(w, r, core.ErrMissingAPIKey, http.StatusUnauthorized)
				return
			case cfg.RequireAPIKey || apiKey != "":
				slog.Warn("auth: invalid API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				fail(w, r, core.ErrInvalidAPIKey, http.StatusForbidden)
				return
			default:
				tenant = strings.TrimSpace(r.Header.Get(TenantHeader))
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				if !tenantPattern.MatchString(tenant) {
					fail(w, r, core.ErrInvalidTenant, http.StatusBadRequest)
					return
				}
			}

			ctx := core.ContextWithTenant(r.Context(), tenant)
			ctx = logging.WithAttrs(ctx, "tenant_id", tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// lookupKey finds the tenant of key. Every configured key is compared in
// constant time so the response time does not reveal which key matched.
func lookupKey(key string, keys map[string]string) (string, bool) {
	if key == "" {
		return "", false
	}
	var tenant string
	found := 0
	for k, t := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			tenant = t
			found = 1
		}
	}
	return tenant, found == 1
}
