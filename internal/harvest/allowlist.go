package harvest

import (
	"net/url"
	"strings"
)

// Allowlist restricts which hosts may yield candidates during page and
// sitemap crawling. A nil or empty allowlist permits every host. Matching is
// exact host or proper subdomain, never a bare substring.
type Allowlist struct {
	exact map[string]struct{}
}

// NewAllowlist builds an allowlist from configured domain names. Empty and
// whitespace-only entries are dropped.
func NewAllowlist(domains []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{})}
	for _, raw := range domains {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		a.exact[value] = struct{}{}
	}
	return a
}

// Empty reports whether the allowlist has no entries.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.exact) == 0
}

// AllowsURL reports whether rawURL's host is permitted. Unparseable URLs are
// rejected unless the allowlist is empty.
func (a *Allowlist) AllowsURL(rawURL string) bool {
	if a.Empty() {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return a.AllowsHost(u.Hostname())
}

// AllowsHost reports whether host matches an allowlisted domain exactly or
// as a subdomain of one.
func (a *Allowlist) AllowsHost(host string) bool {
	if a.Empty() {
		return true
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := a.exact[host]; ok {
		return true
	}
	for domain := range a.exact {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
