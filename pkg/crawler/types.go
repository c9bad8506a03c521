package crawler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/output"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
)

// Mode selects how a target is authenticated before the crawl.
type Mode string

const (
	// ModePublic crawls without authentication.
	ModePublic Mode = "public"
	// ModeSession replays a saved session snapshot, then verifies it.
	ModeSession Mode = "session"
	// ModeLogin crawls in the target's persistent browser profile.
	ModeLogin Mode = "login"
	// ModeWallet loads the wallet extension and connects it to the dapp.
	ModeWallet Mode = "wallet"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePublic, ModeSession, ModeLogin, ModeWallet:
		return true
	}
	return false
}

// Authenticated reports whether the mode runs the auth gate.
func (m Mode) Authenticated() bool {
	return m == ModeSession || m == ModeLogin
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Target is one application to crawl.
type Target struct {
	Slug   string `json:"slug" yaml:"slug"`
	URL    string `json:"url" yaml:"url"`
	Mode   Mode   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
}

// Validate checks the target and fills in the default mode.
func (t *Target) Validate() error {
	if !slugPattern.MatchString(t.Slug) {
		return fmt.Errorf("invalid slug %q: lowercase letters, digits and dashes only", t.Slug)
	}

	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid url for %s: %w", t.Slug, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url for %s: must be absolute http(s)", t.Slug)
	}

	if t.Mode == "" {
		t.Mode = ModePublic
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("invalid mode %q for %s", t.Mode, t.Slug)
	}
	return nil
}

// LoadTargets reads a JSON or YAML list of targets. Entries are not
// validated here; the batch runner skips invalid ones with a reason.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var targets []Target
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &targets)
	} else {
		err = yaml.Unmarshal(data, &targets)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}
	return targets, nil
}

// Result is the outcome of crawling one target.
type Result struct {
	Target       Target           `json:"target"`
	Outcome      state.Outcome    `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	AuthTrail    []string         `json:"authTrail,omitempty"`
	Manifest     *output.Manifest `json:"-"`
	ManifestPath string           `json:"manifestPath,omitempty"`
	Duration     time.Duration    `json:"duration"`
}

// Screenshots returns the number of captures in the manifest.
func (r *Result) Screenshots() int {
	if r.Manifest == nil {
		return 0
	}
	return r.Manifest.TotalScreenshots
}

// States returns the number of distinct states in the manifest.
func (r *Result) States() int {
	if r.Manifest == nil {
		return 0
	}
	return r.Manifest.TotalStates
}

// TargetResult converts r for the batch report.
func (r *Result) TargetResult() output.TargetResult {
	return output.TargetResult{
		Slug:         r.Target.Slug,
		URL:          r.Target.URL,
		Mode:         string(r.Target.Mode),
		Outcome:      r.Outcome,
		Reason:       r.Reason,
		Screenshots:  r.Screenshots(),
		States:       r.States(),
		ManifestPath: r.ManifestPath,
		Duration:     r.Duration,
	}
}

func trailNames(trail []auth.State) []string {
	names := make([]string, len(trail))
	for i, s := range trail {
		names[i] = s.String()
	}
	return names
}
