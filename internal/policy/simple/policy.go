// Package simple holds the static fetch policy: which hosts may be fetched at
// all and which may be rendered in a headless browser.
package simple

import (
	"net/url"
	"strings"
)

// Config lists host patterns. Entries are exact hosts ("example.com") or
// suffix wildcards ("*.example.com" or ".example.com").
type Config struct {
	BlockedDomains    []string
	NoHeadlessDomains []string
}

// Policy answers fetch and render questions from static host patterns.
type Policy struct {
	blocked    *domainPatterns
	noHeadless *domainPatterns
}

// New creates a new Policy.
func New(cfg Config) *Policy {
	return &Policy{
		blocked:    newDomainPatterns(cfg.BlockedDomains),
		noHeadless: newDomainPatterns(cfg.NoHeadlessDomains),
	}
}

// AllowFetch rejects non-http URLs and blocked hosts.
func (p *Policy) AllowFetch(rawURL string) bool {
	host, ok := httpHost(rawURL)
	if !ok {
		return false
	}
	return p == nil || !p.blocked.matches(host)
}

// AllowHeadless reports whether a probe that returned statusCode may be
// promoted to a browser render.
func (p *Policy) AllowHeadless(rawURL string, statusCode int) bool {
	if statusCode >= 400 && statusCode != 403 {
		return false
	}
	if !p.AllowFetch(rawURL) {
		return false
	}
	host, _ := httpHost(rawURL)
	return p == nil || !p.noHeadless.matches(host)
}

func httpHost(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

type domainPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatterns(patterns []string) *domainPatterns {
	matcher := &domainPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (d *domainPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range d.suffixes {
		if existing == suffix {
			return
		}
	}
	d.suffixes = append(d.suffixes, suffix)
}

func (d *domainPatterns) matches(host string) bool {
	if d == nil || host == "" {
		return false
	}
	if _, ok := d.exact[host]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
