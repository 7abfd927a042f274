package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlockedTarget is returned when a target URL or address points into a
// network the gateway must not reach.
var ErrBlockedTarget = errors.New("security: target address is not allowed")

// ErrPlaceholderTarget is returned for URLs that were never filled in by the
// agent owner (example.com and friends).
var ErrPlaceholderTarget = errors.New("security: target URL is a placeholder")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata"}

var blockedSuffixes = []string{".internal", ".local", ".localhost"}

var placeholderHosts = []string{"example.com", "example.org", "example.net"}

var placeholderMarkers = []string{"your-agent", "your-domain", "placeholder"}

// ValidateTargetURL checks that a backend URL is safe to forward to.
// Hostnames are checked statically; resolved addresses are enforced at
// dial time by DialControl so DNS rebinding cannot bypass the check.
func ValidateTargetURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))

	for _, p := range placeholderHosts {
		if host == p || strings.HasSuffix(host, "."+p) {
			return ErrPlaceholderTarget
		}
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(host, m) {
			return ErrPlaceholderTarget
		}
	}

	for _, b := range blockedHosts {
		if host == b {
			return fmt.Errorf("%w: host %q", ErrBlockedTarget, host)
		}
	}
	for _, s := range blockedSuffixes {
		if strings.HasSuffix(host, s) {
			return fmt.Errorf("%w: host %q", ErrBlockedTarget, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// loopback, private, link-local and unspecified addresses.
func DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedTarget, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedTarget, address)
	}
	return checkAddr(addr)
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedTarget)
	case addr.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedTarget)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedTarget)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedTarget)
	}
	return nil
}
