package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateProviderURL checks that an outbound provider base URL is safe to
// call from the server. Production deployments must reach geolocation and
// CAPTCHA providers over https on public addresses; a misconfigured base URL
// pointing at metadata or loopback endpoints is refused at startup.
func ValidateProviderURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("provider URL scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("provider URL must have a host")
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("provider host %q is not allowed", host)
		}
	}

	// IP literals are checked directly; hostnames are not resolved here so
	// startup does not depend on DNS.
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
