// Package security guards the outbound endpoints reactd is configured to call.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsafeURL is wrapped by every rejection from ValidateBaseURL.
var ErrUnsafeURL = errors.New("unsafe base url")

// BaseURLPolicy relaxes ValidateBaseURL for self-hosted model servers.
type BaseURLPolicy struct {
	// AllowLocal permits plain http and loopback, private or link-local hosts.
	AllowLocal bool
}

// ValidateBaseURL checks a provider base URL before any request is made to
// it. An empty URL means the provider default and is accepted.
func ValidateBaseURL(raw string, policy BaseURLPolicy) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrUnsafeURL, "parse %q: %v", raw, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !policy.AllowLocal {
			return errors.Wrapf(ErrUnsafeURL, "%s: plain http needs a local policy", raw)
		}
	default:
		return errors.Wrapf(ErrUnsafeURL, "%s: scheme %q", raw, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrapf(ErrUnsafeURL, "%s: missing host", raw)
	}
	if u.User != nil {
		return errors.Wrapf(ErrUnsafeURL, "%s: credentials belong in provider.api_key", raw)
	}
	if policy.AllowLocal {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errors.Wrapf(ErrUnsafeURL, "%s: local host %q", raw, host)
	}
	// IP literals only, no DNS lookups here
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" {
		return errors.Wrapf(ErrUnsafeURL, "%s: zoned address", raw)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() || addr.IsLoopback() ||
		addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return errors.Wrapf(ErrUnsafeURL, "%s: local network address", raw)
	}
	return nil
}
