package api

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/pkg/netinfo"
)

// ClientIPResolver derives the client address of a request, honouring
// X-Forwarded-For and X-Real-IP only when the peer is a trusted proxy.
type ClientIPResolver struct {
	trustProxyHeaders bool
	trustedProxies    []netip.Prefix
}

func NewClientIPResolver(cfg *config.Config) *ClientIPResolver {
	if cfg == nil {
		return &ClientIPResolver{}
	}
	return &ClientIPResolver{
		trustProxyHeaders: cfg.TrustProxyHeaders,
		trustedProxies:    parsePrefixes(cfg.TrustedProxyCIDRs),
	}
}

func (r *ClientIPResolver) FromRequest(req *http.Request) string {
	remote := parseRemoteIP(req.RemoteAddr)
	if !r.trustProxyHeaders || !r.trusted(remote) {
		return ipString(remote)
	}
	if ip, ok := r.rightmostUntrusted(req.Header.Get("X-Forwarded-For")); ok {
		return ipString(ip)
	}
	if ip, ok := parseHeaderIP(req.Header.Get("X-Real-IP")); ok {
		return ipString(ip)
	}
	return ipString(remote)
}

// rightmostUntrusted walks X-Forwarded-For right to left and returns the
// first hop that is not a trusted proxy. Prepended values cannot spoof it.
func (r *ClientIPResolver) rightmostUntrusted(xff string) (netip.Addr, bool) {
	if xff == "" {
		return netip.Addr{}, false
	}
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip, ok := parseHeaderIP(parts[i])
		if !ok || r.trusted(ip) {
			continue
		}
		return ip, true
	}
	return netip.Addr{}, false
}

func (r *ClientIPResolver) trusted(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, p := range r.trustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parsePrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, entry := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(entry)); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

func parseRemoteIP(remoteAddr string) netip.Addr {
	ip, _ := parseHeaderIP(remoteAddr)
	return ip
}

func parseHeaderIP(value string) (netip.Addr, bool) {
	host := netinfo.StripHostPort(strings.TrimSpace(value))
	if host == "" {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func ipString(ip netip.Addr) string {
	if !ip.IsValid() {
		return "unknown"
	}
	return ip.String()
}
