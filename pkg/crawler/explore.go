package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/discovery"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
	"github.com/PentesterFlow/ScreenCrawler/internal/wallet"
)

// DismissSelectors close cookie banners, announcements and onboarding
// overlays, most specific first.
var DismissSelectors = []string{
	"#onetrust-accept-btn-handler",
	".cookie-consent-accept",
	"button>>text=Accept all",
	"button>>text=Accept",
	"button>>text=Got it",
	"button>>text=I understand",
	"button>>text=Agree",
	"button>>text=No thanks",
	"button>>text=Reject all",
	"button>>text=Dismiss",
	"button>>text=Close",
	"[aria-label=Close]",
	"[aria-label=close]",
	"[aria-label=Dismiss]",
	"[data-testid=close-button]",
	"[data-testid=dismiss]",
}

// DialogSelectors recognize an open modal.
var DialogSelectors = []string{
	"[role=dialog]",
	"[aria-modal=true]",
	"[data-testid=modal]",
	".modal.show",
}

// TabSelector matches ARIA tabs.
const TabSelector = "[role=tab]"

// TokenSelectorTriggers open the token picker on swap and trade pages.
var TokenSelectorTriggers = []string{
	"[data-testid=token-selector]",
	"[data-testid=choose-input-token]",
	"[data-testid=open-currency-select-button]",
	"button>>text=Select token",
	"button>>text=Select a token",
}

// modalTrigger is one entry of the landing-page modal catalog.
type modalTrigger struct {
	name      string
	selectors []string
	// Sign-in entry points make no sense once authenticated.
	anonymousOnly bool
}

var modalCatalog = []modalTrigger{
	{name: "connect", selectors: []string{
		"button>>text=Connect Wallet", "button>>text=Connect wallet", "button>>text=Connect",
	}},
	{name: "login", anonymousOnly: true, selectors: []string{
		"button>>text=Log in", "button>>text=Login", "button>>text=Sign in", "a>>text=Log in", "a>>text=Sign in",
	}},
	{name: "signup", anonymousOnly: true, selectors: []string{
		"button>>text=Sign up", "button>>text=Get started", "button>>text=Create account", "a>>text=Sign up",
	}},
	{name: "menu", selectors: []string{
		"[aria-label=Menu]", "[aria-label='Open menu']", "button[aria-haspopup=menu]",
	}},
	{name: "settings", selectors: []string{
		"[data-testid=settings-button]", "[aria-label=Settings]", "button>>text=Settings",
	}},
	{name: "language", selectors: []string{
		"[data-testid=language-selector]", "[aria-label=Language]", "button>>text=English",
	}},
	{name: "search", selectors: []string{
		"[aria-label=Search]", "button>>text=Search", "input[type=search]",
	}},
}

const maxOverlays = 3

// budgetLeft reports whether another page may be visited. One page is held
// back for the 404 probe whenever the budget allows more than one.
func (c *Crawler) budgetLeft(ctx context.Context, cc *crawlContext) bool {
	limit := c.config.MaxPages
	if limit > 1 {
		limit--
	}
	return ctx.Err() == nil && !cc.engine.Full() && cc.pages < limit
}

// probeBudgetLeft is budgetLeft including the held-back page.
func (c *Crawler) probeBudgetLeft(ctx context.Context, cc *crawlContext) bool {
	return ctx.Err() == nil && !cc.engine.Full() && cc.pages < c.config.MaxPages
}

// dismissOverlays closes banners covering the page. The first overlay is
// captured before it goes, bypassing dedup.
func (c *Crawler) dismissOverlays(ctx context.Context, cc *crawlContext) {
	for i := 0; i < maxOverlays; i++ {
		sel, ok := cc.page.FirstVisible(ctx, DismissSelectors, c.config.OverlayWait)
		if !ok {
			return
		}
		if i == 0 {
			cc.capture(ctx, "overlay", "overlay", true)
		}
		if err := cc.page.Click(ctx, sel); err != nil {
			cc.log.WithError(err).Debug("Overlay dismiss failed")
			return
		}
		cc.log.WithField("selector", sel).Debug("Overlay dismissed")
		sleep(ctx, c.config.SettleDelay/3)
	}
}

// visitLinks visits nav links, then body links, within the page budget.
func (c *Crawler) visitLinks(ctx context.Context, cc *crawlContext, links discovery.Links) {
	for _, link := range links.All() {
		if !c.budgetLeft(ctx, cc) {
			cc.log.Event(logger.InfoLevel).
				Int("pages", cc.pages).
				Int("screenshots", cc.engine.Count()).
				Msg("Page budget reached")
			return
		}
		c.visitPage(ctx, cc, link.URL, pageAction(link.URL), true)
	}
}

// visitPage opens one page and captures it. With explore set, scroll
// positions, tabs and the token picker are captured too.
func (c *Crawler) visitPage(ctx context.Context, cc *crawlContext, rawURL, action string, explore bool) bool {
	if !cc.visited.Add(state.NormalizeURL(rawURL)) {
		return false
	}
	if err := cc.limiter.Wait(ctx); err != nil {
		return false
	}
	cc.pages++

	if err := c.navigate(ctx, cc, rawURL); err != nil {
		cc.log.SkipEvent(rawURL, "navigation failed: "+err.Error())
		return false
	}
	c.metrics.RecordPageVisited()

	if cc.authenticated && auth.OnLoginPath(cc.page.URL(), cc.authCfg.LoginPaths) {
		cc.log.SkipEvent(rawURL, "redirected to login page")
		return false
	}

	c.dismissOverlays(ctx, cc)
	cc.capture(ctx, action, "page", false)

	if explore {
		c.scrollCaptures(ctx, cc, action)
		c.exploreTabs(ctx, cc, action)
		c.probeTokenSelector(ctx, cc, action)
	}
	return true
}

const scrollHeightJS = `() => Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)`

// scrollCaptures shoots successive viewports of a long page. The
// fingerprint does not change with scroll position, so these are forced
// and only taken while there is page left to reveal.
func (c *Crawler) scrollCaptures(ctx context.Context, cc *crawlContext, action string) {
	if c.config.ScrollCaptures == 0 {
		return
	}
	res, err := cc.page.Eval(ctx, scrollHeightJS)
	if err != nil || res.Nil() {
		return
	}
	viewport := float64(cc.device.Height)
	screens := int(math.Ceil(res.Num()/viewport)) - 1
	if screens > c.config.ScrollCaptures {
		screens = c.config.ScrollCaptures
	}

	for i := 1; i <= screens && !cc.engine.Full(); i++ {
		if err := cc.page.Scroll(ctx, viewport); err != nil {
			cc.log.WithError(err).Debug("Scroll failed")
			return
		}
		sleep(ctx, c.config.SettleDelay/3)
		cc.capture(ctx, fmt.Sprintf("%s-scroll-%d", action, i), "scroll", true)
	}
}

// exploreTabs clicks through ARIA tabs after the first (already shown).
func (c *Crawler) exploreTabs(ctx context.Context, cc *crawlContext, action string) {
	if c.config.MaxTabs == 0 || !cc.page.Visible(ctx, TabSelector, c.config.ProbeWait) {
		return
	}
	n := cc.page.VisibleCount(ctx, TabSelector)
	if n > c.config.MaxTabs {
		n = c.config.MaxTabs
	}
	for i := 1; i < n && !cc.engine.Full(); i++ {
		if err := cc.page.ClickNth(ctx, TabSelector, i); err != nil {
			cc.log.WithError(err).Debug("Tab click failed")
			return
		}
		sleep(ctx, c.config.SettleDelay/2)
		cc.capture(ctx, fmt.Sprintf("%s-tab-%d", action, i+1), "tab", false)
	}
}

// probeTokenSelector opens the token picker on swap and trade pages.
func (c *Crawler) probeTokenSelector(ctx context.Context, cc *crawlContext, action string) {
	if !isTradePage(cc.page.URL()) || cc.engine.Full() {
		return
	}
	sel, ok := cc.page.FirstVisible(ctx, TokenSelectorTriggers, c.config.ProbeWait)
	if !ok {
		return
	}
	if err := cc.page.Click(ctx, sel); err != nil {
		cc.log.WithError(err).Debug("Token selector click failed")
		return
	}
	sleep(ctx, c.config.SettleDelay/2)
	c.captureInteraction(ctx, cc, action+"-token-selector")
	cc.page.Press(ctx, browser.KeyEscape)
}

// captureInteraction captures the result of a click. An open dialog is a
// new state even when the main content behind it is unchanged.
func (c *Crawler) captureInteraction(ctx context.Context, cc *crawlContext, action string) bool {
	_, dialog := cc.page.FirstVisible(ctx, DialogSelectors, 0)
	where := "interaction"
	if dialog {
		where = "modal"
	}
	return cc.capture(ctx, action, where, dialog)
}

// exploreModals opens each catalog entry on the landing page, captures it
// and dismisses it.
func (c *Crawler) exploreModals(ctx context.Context, cc *crawlContext) {
	landing := state.NormalizeURL(cc.landingURL)
	for _, trigger := range modalCatalog {
		if ctx.Err() != nil || cc.engine.Full() {
			return
		}
		if trigger.anonymousOnly && cc.authenticated {
			continue
		}
		if state.NormalizeURL(cc.page.URL()) != landing {
			if err := c.navigate(ctx, cc, cc.landingURL); err != nil {
				cc.log.WithError(err).Debug("Could not return to landing")
				return
			}
		}

		sel, ok := cc.page.FirstVisible(ctx, trigger.selectors, c.config.ProbeWait)
		if !ok {
			continue
		}
		if err := cc.page.Click(ctx, sel); err != nil {
			cc.log.WithError(err).Debug("Modal trigger click failed")
			continue
		}
		sleep(ctx, c.config.SettleDelay/2)
		if c.captureInteraction(ctx, cc, "modal-"+trigger.name) {
			cc.log.WithField("modal", trigger.name).Debug("Modal captured")
		}
		cc.page.Press(ctx, browser.KeyEscape)
		sleep(ctx, c.config.SettleDelay/3)
	}
}

// connectWallet runs the connect flow on the landing page. A connected
// wallet unlocks the account pages.
func (c *Crawler) connectWallet(ctx context.Context, cc *crawlContext) {
	if state.NormalizeURL(cc.page.URL()) != state.NormalizeURL(cc.landingURL) {
		if err := c.navigate(ctx, cc, cc.landingURL); err != nil {
			cc.log.WithError(err).Warn("Could not return to landing for wallet connect")
			return
		}
	}

	res, err := wallet.NewConnector(c.config.Wallet, cc.log).Connect(ctx, cc.page, cc)
	switch {
	case stderrors.Is(err, wallet.ErrNoConnectButton):
		cc.log.Info("No connect wallet button")
	case err != nil:
		cc.log.WithError(err).Warn("Wallet connect failed")
	case res.Connected:
		cc.authenticated = true
	}
}

// probeCommonPaths visits well-known paths, then one path that should 404.
// The 404 page gets the page held back by budgetLeft.
func (c *Crawler) probeCommonPaths(ctx context.Context, cc *crawlContext) {
	urls, err := discovery.ProbeURLs(cc.landingURL, cc.authenticated, c.rng)
	if err != nil {
		cc.log.WithError(err).Debug("Could not build common paths")
		return
	}
	paths, notFound := urls[:len(urls)-1], urls[len(urls)-1]
	for _, u := range paths {
		if !c.budgetLeft(ctx, cc) {
			break
		}
		c.visitPage(ctx, cc, u, pageAction(u), false)
	}
	if c.probeBudgetLeft(ctx, cc) {
		c.visitPage(ctx, cc, notFound, "not-found", false)
	}
}

// pageAction names a page capture after its path or hash route.
func pageAction(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "page"
	}
	p := strings.Trim(u.Path, "/")
	if strings.HasPrefix(u.Fragment, "/") || strings.HasPrefix(u.Fragment, "!/") {
		p = strings.Trim(p+"/"+strings.TrimPrefix(u.Fragment, "!"), "/")
	}
	if p == "" {
		return "page-home"
	}
	return "page-" + p
}

func isTradePage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	route := strings.ToLower(u.Path + "#" + u.Fragment)
	for _, kw := range []string{"swap", "trade", "exchange", "bridge"} {
		if strings.Contains(route, kw) {
			return true
		}
	}
	return false
}
