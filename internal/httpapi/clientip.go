package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the originating client address, honoring the first
// X-Forwarded-For hop and collapsing IPv4-mapped IPv6 addresses to IPv4.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return normalizeIP(strings.TrimSpace(fwd[:i]))
		}
		return normalizeIP(strings.TrimSpace(fwd))
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}

func normalizeIP(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
