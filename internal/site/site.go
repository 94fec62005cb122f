// Package site defines the immutable upstream site model shared by the
// failover controller, challenge cache and gateway router.
package site

import (
	"fmt"
	"net/url"
	"strings"
)

// Role distinguishes the preferred site from its ordered fallbacks.
type Role string

const (
	// RolePrimary marks the preferred upstream site.
	RolePrimary Role = "primary"
	// RoleBackup marks a fallback site, tried in priority order.
	RoleBackup Role = "backup"
)

// Site describes one upstream endpoint. Sites are configuration-derived and
// immutable after load; the failover controller owns which one is active.
type Site struct {
	// Name is a human label used in logs and the status surface.
	Name string
	// BaseURL is the scheme+host prefix requests are forwarded to.
	BaseURL string
	// Role is primary or backup.
	Role Role
	// Priority orders backups; lower is tried first. Ignored for the primary.
	Priority int
	// RequiresProxy routes outbound traffic through the configured proxy.
	RequiresProxy bool
	// RequiresChallenge means requests need solved anti-bot cookies.
	RequiresChallenge bool
	// ChallengePath is the page whose load yields the challenge cookies.
	ChallengePath string
	// CookieNames are the cookie names a successful solve must produce.
	CookieNames []string
	// ProbePath is the lightweight endpoint used for health probing.
	ProbePath string
}

// Key returns the identity of the site for cache and metric keying.
func (s Site) Key() string {
	return s.BaseURL
}

// ChallengeURL returns the absolute URL of the challenge page.
func (s Site) ChallengeURL() string {
	return s.BaseURL + s.ChallengePath
}

// ProbeURL returns the absolute URL used by health probes.
func (s Site) ProbeURL() string {
	return s.BaseURL + s.ProbePath
}

// Host returns the lowercase hostname of the site, for metric labels.
func (s Site) Host() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Validate checks invariants that must hold before the site is used.
func (s Site) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("site name is required")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site %q: base url %q is not absolute", s.Name, s.BaseURL)
	}
	if strings.HasSuffix(s.BaseURL, "/") {
		return fmt.Errorf("site %q: base url must not end with a slash", s.Name)
	}
	if s.RequiresChallenge && s.ChallengePath == "" {
		return fmt.Errorf("site %q: requires a challenge but has no challenge path", s.Name)
	}
	if s.RequiresChallenge && len(s.CookieNames) == 0 {
		return fmt.Errorf("site %q: requires a challenge but lists no cookie names", s.Name)
	}
	return nil
}
