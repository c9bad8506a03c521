package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/captcha"
	"github.com/PentesterFlow/ScreenCrawler/internal/device"
	"github.com/PentesterFlow/ScreenCrawler/internal/discovery"
	"github.com/PentesterFlow/ScreenCrawler/internal/ratelimit"
	"github.com/PentesterFlow/ScreenCrawler/internal/wallet"
)

// Config holds all crawler configuration. It is built once (defaults, then
// file, then flags) and never mutated during a crawl.
type Config struct {
	// Screenshots and manifests go to <output_dir>/<slug>/
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Session snapshots (<slug>.json) and persistent browser profiles (<slug>/)
	SessionsDir string `json:"sessions_dir" yaml:"sessions_dir"`
	ProfilesDir string `json:"profiles_dir" yaml:"profiles_dir"`

	// Per-target credential files
	CredentialsDir string `json:"credentials_dir" yaml:"credentials_dir"`

	// Per-target login selectors, keyed by slug
	AuthConfigPath string `json:"auth_config" yaml:"auth_config"`

	// Crawl ledger database
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	// Wallet profile written by the wallet setup
	WalletsDir string `json:"wallets_dir" yaml:"wallets_dir"`

	// Default device profile for targets that do not name one
	Device string `json:"device" yaml:"device"`

	// Global screenshot ceiling per target
	MaxScreenshots int `json:"max_screenshots" yaml:"max_screenshots"`

	// Page budget per target (links plus common paths)
	MaxPages int `json:"max_pages" yaml:"max_pages"`

	// Scroll captures per page
	ScrollCaptures int `json:"scroll_captures" yaml:"scroll_captures"`

	// ARIA tabs explored per page
	MaxTabs int `json:"max_tabs" yaml:"max_tabs"`

	// Which links count as the same target
	LinkScope discovery.Scope `json:"link_scope" yaml:"link_scope"`

	// Wait after each navigation or interaction for animations to settle
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`

	// How long to look for a cookie banner or other overlay on each page
	OverlayWait time.Duration `json:"overlay_wait" yaml:"overlay_wait"`

	// How long to look for each interactive control (modal triggers, tabs,
	// token selectors)
	ProbeWait time.Duration `json:"probe_wait" yaml:"probe_wait"`

	// Snapshots older than this are not replayed
	SessionMaxAge time.Duration `json:"session_max_age" yaml:"session_max_age"`

	// Targets not successfully crawled for this long are reported stale
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`

	// Run the crawl browser headless
	Headless bool `json:"headless" yaml:"headless"`

	// Open a visible browser for a human when automated login fails
	Escalation bool `json:"escalation" yaml:"escalation"`

	Browser        browser.Config        `json:"browser" yaml:"browser"`
	RateLimit      ratelimit.Config      `json:"rate_limit" yaml:"rate_limit"`
	Captcha        captcha.Config        `json:"captcha" yaml:"captcha"`
	Relogin        auth.ReloginConfig    `json:"relogin" yaml:"relogin"`
	EscalationWait auth.EscalationConfig `json:"escalation_wait" yaml:"escalation_wait"`
	Wallet         wallet.Config         `json:"wallet" yaml:"wallet"`

	// Secrets are read from the environment, never from files.
	VaultPassphrase string `json:"-" yaml:"-"`

	// Verbose logging
	Verbose bool `json:"verbose" yaml:"verbose"`

	// Debug mode
	Debug bool `json:"debug" yaml:"debug"`

	// JSON log lines instead of the console writer
	LogJSON bool `json:"log_json" yaml:"log_json"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:      "screenshots",
		SessionsDir:    "data/sessions",
		ProfilesDir:    "data/profiles",
		CredentialsDir: "data/credentials",
		AuthConfigPath: "data/auth-config.yaml",
		LedgerPath:     "data/ledger.db",
		WalletsDir:     "data/wallets",
		Device:         device.Default,
		MaxScreenshots: 60,
		MaxPages:       25,
		ScrollCaptures: 2,
		MaxTabs:        5,
		LinkScope:      discovery.ScopeOrigin,
		SettleDelay:    1500 * time.Millisecond,
		OverlayWait:    time.Second,
		ProbeWait:      1500 * time.Millisecond,
		SessionMaxAge:  7 * 24 * time.Hour,
		StaleAfter:     14 * 24 * time.Hour,
		Headless:       true,
		Escalation:     true,
		Browser:        browser.DefaultConfig(),
		RateLimit:      ratelimit.DefaultConfig(),
		Captcha:        captcha.DefaultConfig(),
		Relogin:        auth.DefaultReloginConfig(),
		EscalationWait: auth.DefaultEscalationConfig(),
		Wallet:         wallet.DefaultConfig(),
	}
}

// QuickConfig returns a configuration for fast previews: small budgets,
// no scroll or tab exploration.
func QuickConfig() *Config {
	c := DefaultConfig()
	c.MaxScreenshots = 15
	c.MaxPages = 8
	c.ScrollCaptures = 0
	c.MaxTabs = 0
	c.SettleDelay = 750 * time.Millisecond
	c.ProbeWait = 500 * time.Millisecond
	return c
}

// LoadFromFile loads configuration from a file (JSON or YAML) on top of
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// YAML is a superset of JSON; fall back to encoding/json for its
	// error messages.
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.MaxScreenshots < 1 {
		return fmt.Errorf("max screenshots must be at least 1")
	}

	if c.MaxPages < 0 {
		return fmt.Errorf("max pages must not be negative")
	}

	if c.SettleDelay < 0 || c.OverlayWait < 0 || c.ProbeWait < 0 {
		return fmt.Errorf("delays must not be negative")
	}

	if c.ScrollCaptures < 0 || c.MaxTabs < 0 {
		return fmt.Errorf("scroll captures and max tabs must not be negative")
	}

	if _, err := device.Resolve(c.Device); err != nil {
		return err
	}

	switch c.LinkScope {
	case discovery.ScopeOrigin, discovery.ScopeSite:
	default:
		return fmt.Errorf("link scope must be %q or %q", discovery.ScopeOrigin, discovery.ScopeSite)
	}

	if c.EscalationWait.Deadline <= 0 || c.EscalationWait.PollInterval <= 0 {
		return fmt.Errorf("escalation poll interval and deadline must be positive")
	}

	if c.Captcha.Deadline <= 0 || c.Captcha.PollInterval <= 0 {
		return fmt.Errorf("captcha poll interval and deadline must be positive")
	}

	return nil
}

// Clone creates a deep copy of the configuration, secrets included.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	clone.VaultPassphrase = c.VaultPassphrase
	clone.Captcha.APIKey = c.Captcha.APIKey
	return clone
}
