package core

import "context"

type contextKey string

const (
	ctxKeyTenant    contextKey = "tenant_id"
	ctxKeyIPAddress contextKey = "client_ip"
)

// ContextWithTenant adds the authenticated tenant to ctx.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKeyTenant, tenantID)
}

// TenantFromContext extracts the tenant set by ContextWithTenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyTenant).(string)
	return v, ok && v != ""
}

// ContextWithIPAddress adds the client IP to ctx for rate limiting.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// IPAddressFromContext extracts the client IP.
func IPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
