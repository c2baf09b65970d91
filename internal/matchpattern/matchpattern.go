// Package matchpattern implements WebExtension URL match patterns, used to
// decide which open tabs a content-script group applies to.
package matchpattern

import (
	"fmt"
	"net/url"
	"strings"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
)

// AllURLs matches every URL with a supported scheme.
const AllURLs = "<all_urls>"

var supportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
	"ftp":   true,
	"file":  true,
	"data":  true,
	"urn":   true,
}

// wildcardSchemes are the schemes matched by a "*" scheme.
var wildcardSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// Pattern is a parsed match pattern.
type Pattern struct {
	raw    string
	all    bool
	scheme string
	// host is lower-cased; empty matches only file URLs
	host       string
	subdomains bool
	port       string
	path       string
}

// Parse parses a match pattern such as "https://*.example.com/*".
func Parse(pattern string) (*Pattern, error) {
	if pattern == AllURLs {
		return &Pattern{raw: pattern, all: true}, nil
	}

	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return nil, invalid(pattern, "missing scheme separator")
	}
	if scheme != "*" && !supportedSchemes[scheme] {
		return nil, invalid(pattern, fmt.Sprintf("unsupported scheme %q", scheme))
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, invalid(pattern, "missing path")
	}
	host, p := rest[:slash], rest[slash:]

	pt := &Pattern{raw: pattern, scheme: scheme, path: p}

	if scheme == "file" {
		if host != "" {
			return nil, invalid(pattern, "file patterns must not have a host")
		}
		return pt, nil
	}
	if host == "" {
		return nil, invalid(pattern, "missing host")
	}

	if h, port, found := strings.Cut(host, ":"); found && !strings.HasPrefix(host, "[") {
		host, pt.port = h, port
	}
	switch {
	case host == "*":
		pt.subdomains = true
	case strings.HasPrefix(host, "*."):
		pt.subdomains = true
		pt.host = strings.ToLower(host[2:])
	case strings.Contains(host, "*"):
		return nil, invalid(pattern, "wildcard must be the leading host label")
	default:
		pt.host = strings.ToLower(host)
	}
	return pt, nil
}

// MustParse is like Parse but panics on error.
func MustParse(pattern string) *Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func invalid(pattern, reason string) error {
	return hmrerrors.NewValidationError(hmrerrors.ErrCodeBadMatchPattern,
		fmt.Sprintf("invalid match pattern %q: %s", pattern, reason))
}

// String returns the pattern as written.
func (p *Pattern) String() string { return p.raw }

// Matches reports whether rawURL is covered by the pattern. The fragment is
// ignored; the query is part of the path.
func (p *Pattern) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)

	if p.all {
		return supportedSchemes[scheme]
	}

	switch p.scheme {
	case "*":
		if !wildcardSchemes[scheme] {
			return false
		}
	default:
		if scheme != p.scheme {
			return false
		}
	}

	if scheme != "file" && !p.matchHost(u) {
		return false
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return globMatch(p.path, target)
}

func (p *Pattern) matchHost(u *url.URL) bool {
	if p.port != "" && p.port != "*" && u.Port() != p.port {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if p.host == "" {
		return p.subdomains
	}
	if host == p.host {
		return true
	}
	return p.subdomains && strings.HasSuffix(host, "."+p.host)
}

// globMatch matches s against a pattern where '*' matches any run of
// characters, including '/'.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, last)
}

// Set is a list of patterns matched as a union.
type Set []*Pattern

// ParseAll parses every pattern, skipping invalid ones. Skipped patterns are
// returned as a combined error alongside the valid set.
func ParseAll(patterns []string) (Set, error) {
	set := make(Set, 0, len(patterns))
	var errs []error
	for _, raw := range patterns {
		p, err := Parse(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set = append(set, p)
	}
	return set, hmrerrors.CombineErrors(errs...)
}

// Matches reports whether any pattern in the set covers rawURL.
func (s Set) Matches(rawURL string) bool {
	for _, p := range s {
		if p.Matches(rawURL) {
			return true
		}
	}
	return false
}
