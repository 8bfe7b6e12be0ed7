package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyTrust controls which forwarding headers ClientIP believes.
type ProxyTrust struct {
	// Enabled makes ClientIP read X-Forwarded-For and X-Real-IP. Only enable
	// it behind a reverse proxy that overwrites those headers.
	Enabled bool

	// Hops is the number of trusted proxies appending to X-Forwarded-For.
	// Zero takes the leftmost entry; n takes the entry n places from the right.
	Hops int
}

// ClientIP returns the address recorded for a request: the forwarded client
// address when the proxy is trusted, otherwise the peer address.
func ClientIP(r *http.Request, trust ProxyTrust) string {
	if trust.Enabled {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trust.Hops); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(header string, hops int) string {
	if header == "" {
		return ""
	}

	entries := strings.Split(header, ",")
	idx := 0
	if hops > 0 {
		idx = max(len(entries)-hops, 0)
	}

	ip := strings.TrimSpace(entries[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
