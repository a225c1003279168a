package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the originating client IP for audit logging and rate
// limiting. When trustProxy is set, forwarding headers are consulted;
// trustedProxyCount is how many proxies at the right of X-Forwarded-For are
// under our control. Only set trustProxy behind a reverse proxy that
// overwrites these headers, otherwise they are attacker-controlled.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client entry out of an X-Forwarded-For
// list of the form "client, proxy-n, ..., proxy-1". The rightmost
// trustedProxyCount entries are our own proxies; the entry just left of them
// is the client. With fewer entries than that, the leftmost entry is used.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
