package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// TrustedRealIP resolves the client address of each request and stores it
// with core.ContextWithIPAddress. Rate limiting and request logs key on it.
//
// Forwarding headers are read only when the connection comes from one of
// trustedCIDRs. X-Real-IP wins over X-Forwarded-For; the forwarded chain is
// walked from the nearest hop outwards and the first untrusted hop is the
// client. Requests from anywhere else are keyed by their connection address.
func TrustedRealIP(trustedCIDRs []string) func(http.Handler) http.Handler {
	proxies := parseProxies(trustedCIDRs)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if addr, ok := proxies.clientAddr(r); ok {
				ip = addr.String()
			}
			next.ServeHTTP(w, r.WithContext(core.ContextWithIPAddress(r.Context(), ip)))
		})
	}
}

type proxySet []netip.Prefix

// parseProxies accepts CIDRs and bare addresses. Invalid entries are
// logged and skipped.
func parseProxies(cidrs []string) proxySet {
	var set proxySet
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := netip.ParsePrefix(s); err == nil {
			set = append(set, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			slog.Warn("realip: invalid trusted proxy, skipping", "cidr", s, "error", err)
			continue
		}
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set
}

func (p proxySet) trusts(addr netip.Addr) bool {
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (p proxySet) clientAddr(r *http.Request) (netip.Addr, bool) {
	remote, ok := parseAddr(r.RemoteAddr)
	if !ok || !p.trusts(remote) {
		return remote, ok
	}

	if realIP, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return realIP, true
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		hop, ok := parseAddr(hops[i])
		if !ok {
			break
		}
		client = hop
		if !p.trusts(hop) {
			break
		}
	}
	return client, true
}

// parseAddr accepts "host:port" or a bare address.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
