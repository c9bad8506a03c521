// Package auth decides whether a page is logged in and recovers the session
// when it is not: automated relogin first, then a human in a visible browser.
package auth

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Selectors overrides the generic form field lookup for one target.
type Selectors struct {
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	Submit     string `json:"submit,omitempty" yaml:"submit,omitempty"`
	TOTP       string `json:"totp,omitempty" yaml:"totp,omitempty"`
	TOTPSubmit string `json:"totpSubmit,omitempty" yaml:"totpSubmit,omitempty"`
}

// TargetConfig is the optional per-target auth configuration. Every field
// may be empty; generic fallbacks cover what is missing.
type TargetConfig struct {
	LoginURL          string    `json:"loginUrl,omitempty" yaml:"loginUrl,omitempty"`
	LoginPaths        []string  `json:"loginPaths,omitempty" yaml:"loginPaths,omitempty"`
	Selectors         Selectors `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	SuccessIndicators []string  `json:"successIndicators,omitempty" yaml:"successIndicators,omitempty"`
}

// Configs maps target slugs to their auth configuration.
type Configs map[string]*TargetConfig

// Get returns the configuration for slug, or an empty one.
func (c Configs) Get(slug string) *TargetConfig {
	if cfg, ok := c[slug]; ok && cfg != nil {
		return cfg
	}
	return &TargetConfig{}
}

// LoadConfigs reads a YAML or JSON map of slug to TargetConfig. A missing
// file yields an empty map.
func LoadConfigs(path string) (Configs, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Configs{}, nil
		}
		return nil, fmt.Errorf("read auth configs: %w", err)
	}
	configs := Configs{}
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse auth configs %s: %w", path, err)
	}
	return configs, nil
}

// Result is the outcome of a health check.
type Result struct {
	Authenticated bool
	Reason        string
}

func (r Result) String() string {
	if r.Authenticated {
		return "authenticated: " + r.Reason
	}
	return "not authenticated: " + r.Reason
}

// loginPatterns are path segments that only appear on sign-in screens.
var loginPatterns = []string{
	"login", "signin", "sign-in", "sign_in", "log-in", "log_in",
	"auth", "authenticate", "authentication", "sso", "oauth",
}

// OnLoginPath reports whether rawURL is a sign-in screen. The path and the
// fragment (hash routers) are both checked; extra holds per-target paths
// matched as plain substrings.
func OnLoginPath(rawURL string, extra []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	loc := strings.ToLower(u.Path + "#" + u.Fragment)

	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(loc, p) {
			return true
		}
	}

	segments := strings.FieldsFunc(loc, func(r rune) bool { return r == '/' || r == '#' || r == '!' })
	for _, seg := range segments {
		for _, pat := range loginPatterns {
			if segmentMatches(seg, pat) {
				return true
			}
		}
	}
	return false
}

// segmentMatches accepts "login", "login.html" and "oauth2" for their
// patterns but not "authors".
func segmentMatches(seg, pat string) bool {
	rest, ok := strings.CutPrefix(seg, pat)
	if !ok {
		return false
	}
	if rest == "" {
		return true
	}
	r := rune(rest[0])
	return !unicode.IsLetter(r)
}
