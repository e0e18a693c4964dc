// Package netutil holds the request-address helpers shared by the session
// guard, the anomaly detectors and the HTTP layer.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller address. X-Forwarded-For is only honored when
// the direct peer is inside one of the trusted proxy ranges; otherwise a
// spoofed header would defeat IP-keyed rate limits and session binding.
func ClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	if !ipInAny(peer, trustedProxies) {
		return peer.String()
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	// Closest untrusted hop: walk the chain right to left.
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := net.ParseIP(strings.TrimSpace(parts[i]))
		if candidate == nil {
			continue
		}
		if !ipInAny(candidate, trustedProxies) {
			return candidate.String()
		}
	}
	return peer.String()
}

// Prefix maps an address to its binding granularity: /24 for IPv4, /64 for
// IPv6. Prefix-level matching tolerates minor address churn (DHCP, mobile
// carriers) while still detecting cross-network session reuse.
func Prefix(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

func ipInAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n != nil && n.Contains(ip) {
			return true
		}
	}
	return false
}
