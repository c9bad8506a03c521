package browser

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/PentesterFlow/ScreenCrawler/internal/device"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

const pollInterval = 150 * time.Millisecond

// RodLauncher launches local Chrome through rod's launcher.
type RodLauncher struct {
	config Config
	log    *logger.Logger
}

// NewLauncher creates a RodLauncher.
func NewLauncher(config Config, log *logger.Logger) *RodLauncher {
	if log == nil {
		log = logger.Nop()
	}
	return &RodLauncher{config: config, log: log.WithComponent("browser")}
}

// Launch starts Chrome, connects, and opens one emulated page.
func (l *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	ln := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		NoSandbox(l.config.NoSandbox)

	if l.config.BrowserBin != "" {
		ln = ln.Bin(l.config.BrowserBin)
	}
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0o700); err != nil {
			return nil, errors.NewBrowserError("", "profile dir", err)
		}
		ln = ln.UserDataDir(opts.ProfileDir)
	}

	ln.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	ln.Delete(flags.Flag("enable-automation"))
	ln.Set(flags.Flag("disable-popup-blocking"))
	ln.Set(flags.Flag("no-first-run"))
	ln.Set(flags.Flag("ignore-certificate-errors"))
	if opts.ExtensionDir != "" {
		ln.Delete(flags.Flag("disable-extensions"))
		ln.Set(flags.Flag("disable-extensions-except"), opts.ExtensionDir)
		ln.Set(flags.Flag("load-extension"), opts.ExtensionDir)
	}

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, errors.NewBrowserError("", "launch", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, errors.NewBrowserError("", "connect", err)
	}

	var page *rod.Page
	if l.config.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		_ = b.Close()
		return nil, errors.NewBrowserError("", "open page", err)
	}

	if err := emulate(page, opts.Device); err != nil {
		l.log.WithError(err).Warn("Device emulation incomplete")
	}

	l.log.Event(logger.DebugLevel).
		Bool("headless", opts.Headless).
		Str("device", opts.Device.Name).
		Str("profile", opts.ProfileDir).
		Msg("Browser launched")

	return &rodSession{
		browser: b,
		page:    &rodPage{page: page, config: l.config},
		config:  l.config,
		device:  opts.Device,
		log:     l.log,
	}, nil
}

func emulate(page *rod.Page, d device.Profile) error {
	if d.Width == 0 {
		return nil
	}
	metrics := &proto.EmulationSetDeviceMetricsOverride{
		Width:             d.Width,
		Height:            d.Height,
		DeviceScaleFactor: d.DeviceScaleFactor,
		Mobile:            d.Mobile,
	}
	if d.Mobile || d.Touch {
		orientation := &proto.EmulationScreenOrientation{Type: proto.EmulationScreenOrientationTypePortraitPrimary}
		if d.Landscape() {
			orientation = &proto.EmulationScreenOrientation{Type: proto.EmulationScreenOrientationTypeLandscapePrimary, Angle: 90}
		}
		metrics.ScreenOrientation = orientation
	}
	if err := page.SetViewport(metrics); err != nil {
		return fmt.Errorf("viewport: %w", err)
	}
	if d.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{
			UserAgent:      d.UserAgent,
			AcceptLanguage: d.Locale,
		}).Call(page); err != nil {
			return fmt.Errorf("user agent: %w", err)
		}
	}
	if d.Touch {
		if err := (proto.EmulationSetTouchEmulationEnabled{
			Enabled:        true,
			MaxTouchPoints: gson.Int(5),
		}).Call(page); err != nil {
			return fmt.Errorf("touch: %w", err)
		}
	}
	if d.Locale != "" {
		// fails harmlessly when another page already set the override
		_ = proto.EmulationSetLocaleOverride{Locale: d.Locale}.Call(page)
	}
	return nil
}

type rodSession struct {
	browser *rod.Browser
	page    *rodPage
	config  Config
	device  device.Profile
	log     *logger.Logger
}

func (s *rodSession) Page() Page { return s.page }

func (s *rodSession) Popups(ctx context.Context) <-chan Page {
	ch := make(chan Page)
	b := s.browser.Context(ctx)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		s.log.WithError(err).Debug("Target discovery unavailable")
	}

	mainID := s.page.page.TargetID
	wait := b.EachEvent(func(e *proto.TargetTargetCreated) {
		if string(e.TargetInfo.Type) != "page" || e.TargetInfo.TargetID == mainID {
			return
		}
		p, err := s.browser.PageFromTarget(e.TargetInfo.TargetID)
		if err != nil {
			s.log.WithError(err).Debug("Popup closed before attach")
			return
		}
		_ = emulate(p, s.device)
		select {
		case ch <- &rodPage{page: p, config: s.config}:
		case <-ctx.Done():
		}
	})

	go func() {
		defer close(ch)
		wait()
	}()
	return ch
}

func (s *rodSession) Close() error {
	return s.browser.Close()
}

type rodPage struct {
	page   *rod.Page
	config Config
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.Title
}

func lifecycleEvent(w WaitCondition) proto.PageLifecycleEventName {
	if w == WaitDOMContentLoaded {
		return proto.PageLifecycleEventNameDOMContentLoaded
	}
	return proto.PageLifecycleEventNameNetworkAlmostIdle
}

func (p *rodPage) Navigate(ctx context.Context, url string, wait WaitCondition) error {
	nctx, cancel := context.WithTimeout(ctx, p.config.NavigationTimeout)
	defer cancel()

	page := p.page.Context(nctx)
	waitNav := page.WaitNavigation(lifecycleEvent(wait))
	if err := page.Navigate(url); err != nil {
		return errors.Categorize(err, url)
	}
	waitNav()
	return navigationResult(ctx, nctx, url)
}

func (p *rodPage) Reload(ctx context.Context, wait WaitCondition) error {
	nctx, cancel := context.WithTimeout(ctx, p.config.NavigationTimeout)
	defer cancel()

	page := p.page.Context(nctx)
	waitNav := page.WaitNavigation(lifecycleEvent(wait))
	if err := page.Reload(); err != nil {
		return errors.Categorize(err, p.URL())
	}
	waitNav()
	return navigationResult(ctx, nctx, p.URL())
}

func navigationResult(parent, nctx context.Context, url string) error {
	if parent.Err() != nil {
		return errors.NewCancelledError(url, "navigate")
	}
	if nctx.Err() != nil {
		return errors.NewTimeoutError(url, "navigate", nctx.Err())
	}
	return nil
}

// visibleMatches returns visible elements matching sel without waiting.
func (p *rodPage) visibleMatches(ctx context.Context, raw string) rod.Elements {
	sel := ParseSelector(raw)
	els, err := p.page.Context(ctx).Elements(sel.CSS)
	if err != nil {
		return nil
	}
	var out rod.Elements
	for _, el := range els {
		visible, err := el.Visible()
		if err != nil || !visible {
			continue
		}
		if sel.Text != "" {
			text, err := el.Text()
			if err != nil || !sel.MatchesText(text) {
				continue
			}
		}
		out = append(out, el)
	}
	return out
}

func (p *rodPage) Visible(ctx context.Context, selector string, timeout time.Duration) bool {
	_, ok := p.FirstVisible(ctx, []string{selector}, timeout)
	return ok
}

func (p *rodPage) FirstVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, bool) {
	var found string
	err := errors.Poll(ctx, errors.PollConfig{Interval: pollInterval, Deadline: timeout}, "visible",
		func(ctx context.Context) (bool, error) {
			for _, s := range selectors {
				if len(p.visibleMatches(ctx, s)) > 0 {
					found = s
					return true, nil
				}
			}
			// a zero timeout checks exactly once
			if timeout <= 0 {
				return true, nil
			}
			return false, nil
		})
	return found, err == nil && found != ""
}

func (p *rodPage) VisibleCount(ctx context.Context, selector string) int {
	return len(p.visibleMatches(ctx, selector))
}

func (p *rodPage) element(ctx context.Context, selector string, n int) (*rod.Element, error) {
	var el *rod.Element
	err := errors.Poll(ctx, errors.PollConfig{Interval: pollInterval, Deadline: p.config.ActionTimeout}, "find "+selector,
		func(ctx context.Context) (bool, error) {
			els := p.visibleMatches(ctx, selector)
			if len(els) > n {
				el = els[n]
				return true, nil
			}
			return false, nil
		})
	if err != nil {
		return nil, err
	}
	return el.Context(ctx), nil
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.element(ctx, selector, 0)
	if err != nil {
		return err
	}
	_ = el.SelectAllText()
	if err := el.Input(value); err != nil {
		return errors.NewBrowserError(p.URL(), "fill "+selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	return p.ClickNth(ctx, selector, 0)
}

func (p *rodPage) ClickNth(ctx context.Context, selector string, n int) error {
	el, err := p.element(ctx, selector, n)
	if err != nil {
		return err
	}
	_ = el.ScrollIntoView()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return errors.NewBrowserError(p.URL(), "click "+selector, err)
	}
	return nil
}

var keyMap = map[Key]input.Key{
	KeyEnter:  input.Enter,
	KeyEscape: input.Escape,
	KeyTab:    input.Tab,
}

func (p *rodPage) Press(ctx context.Context, key Key) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	return p.page.Context(ctx).Keyboard.Type(k)
}

func (p *rodPage) Scroll(ctx context.Context, deltaY float64) error {
	return p.page.Context(ctx).Mouse.Scroll(0, deltaY, 4)
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(p.config.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
