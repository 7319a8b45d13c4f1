package auth

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP extracts the caller address: first X-Forwarded-For value when
// present, otherwise the connection peer. IPv4-mapped IPv6 addresses are
// unmapped so allowlist entries written as IPv4 match.
func clientIP(r *http.Request) (netip.Addr, bool) {
	candidate := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		candidate = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		candidate = host
	}

	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ipAllowed checks addr against allowlist entries, each a single address or
// a CIDR. An empty list allows nothing; callers gate on the merchant's
// enabled flag.
func ipAllowed(addr netip.Addr, allowlist []string) bool {
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}
