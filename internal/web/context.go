package web

import (
	"net/http"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// tenantOf returns the tenant resolved by the TenantAuth middleware.
// Routes under /imports always have one.
func tenantOf(r *http.Request) string {
	tenant, _ := core.TenantFromContext(r.Context())
	return tenant
}
