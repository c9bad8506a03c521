// Package browser provides headless Chrome integration via Rod.
//
// Crawl logic talks to the Page and Session interfaces only, so the auth,
// capture and exploration code can be driven by in-memory fakes in tests.
package browser

import (
	"context"
	"time"

	"github.com/ysmood/gson"

	"github.com/PentesterFlow/ScreenCrawler/internal/device"
)

// WaitCondition selects how long a navigation waits before returning.
type WaitCondition int

const (
	// WaitNetworkIdle waits until the network has been almost idle.
	WaitNetworkIdle WaitCondition = iota
	// WaitDOMContentLoaded returns as soon as the DOM is parsed.
	WaitDOMContentLoaded
)

// String returns the string representation of WaitCondition.
func (w WaitCondition) String() string {
	if w == WaitDOMContentLoaded {
		return "domcontentloaded"
	}
	return "networkidle"
}

// Key is a keyboard key understood by Page.Press.
type Key string

// Keys used by form and overlay handling.
const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
	KeyTab    Key = "Tab"
)

// Cookie is a browser cookie in the session snapshot format.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Page is a single browser tab.
//
// Selectors are CSS with an optional ">>text=" suffix that keeps only
// elements whose visible text contains the given string (case-insensitive),
// e.g. "button>>text=Accept all".
type Page interface {
	URL() string
	Title() string
	Navigate(ctx context.Context, url string, wait WaitCondition) error
	Reload(ctx context.Context, wait WaitCondition) error

	// Visible reports whether selector matches a visible element within timeout.
	// A zero timeout checks once.
	Visible(ctx context.Context, selector string, timeout time.Duration) bool
	// FirstVisible returns the first selector in order that is visible.
	FirstVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, bool)
	// VisibleCount counts visible elements matching selector.
	VisibleCount(ctx context.Context, selector string) int

	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// ClickNth clicks the nth (0-based) visible match of selector.
	ClickNth(ctx context.Context, selector string, n int) error
	Press(ctx context.Context, key Key) error
	Scroll(ctx context.Context, deltaY float64) error

	Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error

	Close() error
}

// Session is one browser process bound to a device profile and,
// optionally, a persistent profile directory.
type Session interface {
	Page() Page
	// Popups delivers every new tab or window opened while ctx is live.
	// The channel is closed when ctx ends.
	Popups(ctx context.Context) <-chan Page
	Close() error
}

// LaunchOptions configures a Session.
type LaunchOptions struct {
	Headless     bool
	ProfileDir   string // persistent user-data-dir; empty = throwaway
	ExtensionDir string // unpacked extension to load (wallet)
	Device       device.Profile
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// Config holds timeouts and launch settings shared by every session.
type Config struct {
	NavigationTimeout time.Duration `json:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `json:"action_timeout" yaml:"action_timeout"`
	BrowserBin        string        `json:"browser_bin" yaml:"browser_bin"`
	NoSandbox         bool          `json:"no_sandbox" yaml:"no_sandbox"`
	FullPage          bool          `json:"full_page" yaml:"full_page"`
	Stealth           bool          `json:"stealth" yaml:"stealth"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		Stealth:           true,
	}
}
