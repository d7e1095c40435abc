package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// mobile/canonical host prefixes collapsed into one domain key
var strippedPrefixes = []string{"www.", "m.", "amp."}

// NormalizeDomain reduces a hostname to its canonical cache/trust key.
// It lowercases, drops any port, and strips well-known serving prefixes so
// www.example.com, m.example.com and example.com share one record.
func NormalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for _, prefix := range strippedPrefixes {
		if strings.HasPrefix(host, prefix) && len(host) > len(prefix) {
			return host[len(prefix):]
		}
	}
	return host
}

// DomainOf extracts the normalized domain from a raw URL.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return NormalizeDomain(u.Host), nil
}
