package netinfo

import (
	"net"
	"net/url"
	"strings"
)

// StripHostPort removes the port from a host string, handling IPv6 brackets.
func StripHostPort(host string) string {
	if host == "" {
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	}
	return host
}

// OriginHost extracts the hostname from an origin URL string.
func OriginHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" {
		return StripHostPort(parsed.Host)
	}
	return StripHostPort(origin)
}

// OriginAllowed matches origin against an allow list. Entries may be "*",
// an exact origin, a bare host, or a "*.example.com" wildcard. An empty list
// only admits same-host origins; an empty origin is always allowed.
func OriginAllowed(origin, requestHost string, allowed []string) bool {
	if origin == "" {
		return true
	}
	originHost := OriginHost(origin)
	if len(allowed) == 0 {
		return originHost != "" && strings.EqualFold(originHost, StripHostPort(requestHost))
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case strings.EqualFold(entry, origin):
			return true
		case strings.HasPrefix(entry, "*."):
			suffix := strings.ToLower(strings.TrimPrefix(entry, "*."))
			h := strings.ToLower(originHost)
			if h != "" && (h == suffix || strings.HasSuffix(h, "."+suffix)) {
				return true
			}
		default:
			if h := OriginHost(entry); h != "" && strings.EqualFold(h, originHost) {
				return true
			}
		}
	}
	return false
}
