// Package clientip derives the single "best" public client IP for a checkout
// request.
//
// Resolution order:
//
//  1. The transport peer address (RemoteAddr, port stripped, IPv6-mapped IPv4
//     prefix removed) when it is public.
//  2. The first, trimmed X-Forwarded-For entry when it is public.
//  3. The raw peer address.
//  4. 127.0.0.1 when nothing resolves.
//
// # Security precondition
//
// X-Forwarded-For is attacker-controlled. Step 2 is only sound when the
// service sits behind a trusted reverse proxy that overwrites or strips any
// client-supplied X-Forwarded-For before the request reaches this resolver.
// Deployments without such a proxy must construct the Resolver with
// TrustForwardedFor set to false.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Fallback is returned when neither the peer address nor headers resolve.
const Fallback = "127.0.0.1"

const (
	headerForwardedFor = "X-Forwarded-For"
	mappedIPv4Prefix   = "::ffff:"
)

// privatePrefixes are matched against the textual address. 172.* is treated
// as private in full, not only 172.16.0.0/12.
var privatePrefixes = []string{"127.", "10.", "172.", "192.168."}

// Resolver resolves client IPs. The zero value ignores X-Forwarded-For.
type Resolver struct {
	// TrustForwardedFor enables the X-Forwarded-For fallback. See the package
	// documentation for the deployment precondition.
	TrustForwardedFor bool
}

// New returns a Resolver.
func New(trustForwardedFor bool) *Resolver {
	return &Resolver{TrustForwardedFor: trustForwardedFor}
}

// Resolve returns the best client IP for r. It never fails.
func (res *Resolver) Resolve(r *http.Request) string {
	peer := normalize(hostOnly(r.RemoteAddr))

	if peer != "" && !IsPrivate(peer) {
		return peer
	}

	if res.TrustForwardedFor {
		if fwd := firstForwarded(r.Header.Get(headerForwardedFor)); fwd != "" && !IsPrivate(fwd) {
			return fwd
		}
	}

	if peer != "" {
		return peer
	}
	return Fallback
}

// IsPrivate reports whether ip is in a private or loopback range.
func IsPrivate(ip string) bool {
	if ip == "::1" {
		return true
	}
	for _, p := range privatePrefixes {
		if strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}

// firstForwarded returns the first, trimmed, normalized entry of an
// X-Forwarded-For value.
func firstForwarded(header string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	return normalize(strings.TrimSpace(first))
}

// hostOnly strips the port from a host:port address. Addresses without a
// port are returned unchanged.
func hostOnly(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func normalize(ip string) string {
	return strings.TrimPrefix(ip, mappedIPv4Prefix)
}
