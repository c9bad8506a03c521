package auth

import (
	"context"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
)

// Reasons reported by Check.
const (
	ReasonLoginRedirect     = "redirected to login page"
	ReasonPasswordVisible   = "password field visible"
	ReasonIndicatorsAbsent  = "configured success indicators absent"
	ReasonNoSignal          = "no auth signal found (assuming authenticated)"
	reasonSuccessIndicator  = "success indicator: "
	reasonLoggedInIndicator = "logged-in indicator: "
)

// PasswordSelector matches a password input.
const PasswordSelector = "input[type=password]"

// LoggedInIndicators is the generic set of UI elements that only render
// for a signed-in user.
var LoggedInIndicators = []string{
	"[data-testid*=account-menu]",
	"[aria-label*=account i]",
	"[class*=avatar]",
	"img[alt*=avatar i]",
	"a[href*=logout], a[href*=signout], a[href*=sign-out]",
	"text=log out",
	"text=sign out",
	"text=deposit",
	"text=withdraw",
	"a[href*=dashboard]",
	"a[href*=portfolio]",
}

// Checker classifies a page as logged in or not.
type Checker struct {
	// ProbeTimeout bounds the indicator pass. The password probe checks once.
	ProbeTimeout time.Duration
}

// NewChecker creates a Checker with a 1.5s probe bound.
func NewChecker() *Checker {
	return &Checker{ProbeTimeout: 1500 * time.Millisecond}
}

// Check runs the ordered heuristics; the first match wins. Negative signals
// come first so that a weak positive cannot mask a login redirect.
func (c *Checker) Check(ctx context.Context, page browser.Page, cfg *TargetConfig) Result {
	if cfg == nil {
		cfg = &TargetConfig{}
	}

	if OnLoginPath(page.URL(), cfg.LoginPaths) {
		return Result{Authenticated: false, Reason: ReasonLoginRedirect}
	}

	if page.Visible(ctx, PasswordSelector, 0) {
		return Result{Authenticated: false, Reason: ReasonPasswordVisible}
	}

	// Configured indicators are authoritative.
	if len(cfg.SuccessIndicators) > 0 {
		if sel, ok := page.FirstVisible(ctx, cfg.SuccessIndicators, c.ProbeTimeout); ok {
			return Result{Authenticated: true, Reason: reasonSuccessIndicator + sel}
		}
		return Result{Authenticated: false, Reason: ReasonIndicatorsAbsent}
	}

	if sel, ok := page.FirstVisible(ctx, LoggedInIndicators, c.ProbeTimeout); ok {
		return Result{Authenticated: true, Reason: reasonLoggedInIndicator + sel}
	}

	return Result{Authenticated: true, Reason: ReasonNoSignal}
}
