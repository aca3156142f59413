package reqguard

import (
	"net"
	"strings"
)

// ExtractIdentity derives the client identity from proxy-aware headers.
// Precedence: first X-Forwarded-For entry, X-Real-IP, the transport peer
// address without its port, then UnknownIdentity.
//
// Values are accepted as-is without IP validation and without a trusted
// proxy list, so any client can choose its own identity by sending the
// header. Spoofed values still group together, which keeps them useful for
// pattern correlation.
func ExtractIdentity(r *RequestDescriptor) ClientIdentity {
	if r == nil {
		return UnknownIdentity
	}
	if xff := r.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ClientIdentity(ip)
		}
	}
	if ip := strings.TrimSpace(r.Header("X-Real-IP")); ip != "" {
		return ClientIdentity(ip)
	}
	if addr := strings.TrimSpace(r.Connection.RemoteAddress); addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			return ClientIdentity(host)
		}
		return ClientIdentity(addr)
	}
	return UnknownIdentity
}
