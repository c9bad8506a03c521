// Package crawler drives one browser through a target application and
// screenshots every distinct state it reaches, recovering authentication
// on the way.
package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/captcha"
	"github.com/PentesterFlow/ScreenCrawler/internal/capture"
	"github.com/PentesterFlow/ScreenCrawler/internal/device"
	"github.com/PentesterFlow/ScreenCrawler/internal/discovery"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/metrics"
	"github.com/PentesterFlow/ScreenCrawler/internal/output"
	"github.com/PentesterFlow/ScreenCrawler/internal/ratelimit"
	"github.com/PentesterFlow/ScreenCrawler/internal/session"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
	"github.com/PentesterFlow/ScreenCrawler/internal/totp"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
	"github.com/PentesterFlow/ScreenCrawler/internal/wallet"
)

// Crawler crawls targets one at a time. Vault, session store, checker and
// relogin engine are built once and shared by every crawl; everything else
// lives in a per-target crawlContext.
type Crawler struct {
	config      *Config
	logger      *logger.Logger
	launcher    browser.Launcher
	creds       CredentialSource
	sessions    *session.Store
	authConfigs auth.Configs
	ledger      *state.Ledger
	prompter    auth.Prompter
	solver      auth.Solver
	output      output.Writer
	progress    Progress
	metrics     *metrics.Collector

	checker    *auth.Checker
	relogin    *auth.Relogin
	escalation *auth.Escalation

	landingRetry errors.RetryConfig
	rng          *rand.Rand
	now          func() time.Time
}

// New creates a new crawler with the given options.
func New(opts ...Option) (*Crawler, error) {
	c := &Crawler{
		config:       DefaultConfig(),
		metrics:      metrics.New(),
		landingRetry: errors.LandingRetryConfig(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Validate config
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.logger == nil {
		logLevel := logger.InfoLevel
		if c.config.Debug {
			logLevel = logger.DebugLevel
		} else if !c.config.Verbose {
			logLevel = logger.WarnLevel
		}
		c.logger = logger.New(logger.Config{
			Level:     logLevel,
			Pretty:    !c.config.LogJSON,
			Component: "crawler",
		})
	}

	if err := c.initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

// initialize fills in every collaborator not supplied by an option.
func (c *Crawler) initialize() error {
	if c.launcher == nil {
		c.launcher = browser.NewLauncher(c.config.Browser, c.logger)
	}
	if c.creds == nil {
		c.creds = vault.New(c.config.CredentialsDir, c.config.VaultPassphrase, c.logger)
	}
	if c.sessions == nil {
		c.sessions = session.NewStore(c.config.SessionsDir, c.config.ProfilesDir, c.logger)
	}
	if c.authConfigs == nil {
		cfgs, err := auth.LoadConfigs(c.config.AuthConfigPath)
		if err != nil {
			return errors.NewConfigError("load auth configs", err.Error())
		}
		c.authConfigs = cfgs
	}

	// A nil *captcha.Client stored in the interface would not compare
	// equal to nil, so only assign a configured client.
	if c.solver == nil {
		if client := captcha.NewClient(c.config.Captcha, c.logger); client.Configured() {
			c.solver = client
		} else {
			c.logger.Debug("No CAPTCHA API key; challenges during relogin will abort it")
		}
	}

	c.checker = auth.NewChecker()
	c.relogin = auth.NewRelogin(c.config.Relogin, c.checker, c.solver, totp.New(), c.logger)

	if c.config.Escalation {
		store, _ := c.creds.(auth.CredentialStore)
		c.escalation = auth.NewEscalation(c.config.EscalationWait, c.launcher, c.checker, store, c.prompter, c.logger)
	}
	return nil
}

// Config returns the crawler's configuration.
func (c *Crawler) Config() *Config {
	return c.config
}

// Metrics returns the metrics collector.
func (c *Crawler) Metrics() *metrics.Collector {
	return c.metrics
}

// Sessions returns the snapshot and profile store.
func (c *Crawler) Sessions() *session.Store {
	return c.sessions
}

// crawlContext is everything one target's crawl owns. It is created at the
// start of CrawlTarget and dropped at the end; nothing in it outlives the
// target.
type crawlContext struct {
	target  Target
	device  device.Profile
	dir     string
	authCfg *auth.TargetConfig

	sess         browser.Session
	page         browser.Page
	profileDir   string
	stopApprover func()
	// scratchProfile is a throwaway profile used for a session target's
	// manual login; it is removed at teardown.
	scratchProfile string

	engine  *capture.Engine
	limiter *ratelimit.AdaptiveLimiter
	visited *state.Deduplicator
	metrics *metrics.Collector

	landingURL    string
	landingHTML   string
	pages         int
	authenticated bool
	authTrail     []auth.State
	manifest      *output.Manifest

	log *logger.Logger
}

// Capture takes a screenshot through the crawl's engine and counts it.
// Write errors are logged and swallowed.
func (cc *crawlContext) Capture(ctx context.Context, page browser.Page, tags capture.Tags) (*capture.Entry, error) {
	entry, err := cc.engine.Capture(ctx, page, tags)
	switch {
	case err != nil:
		cc.metrics.RecordError(errors.GetErrorType(err).String())
		cc.log.WithError(err).Debug("Capture failed")
		return nil, nil
	case entry == nil:
		cc.metrics.RecordSkip()
	default:
		cc.metrics.RecordCapture()
	}
	return entry, nil
}

func (cc *crawlContext) capture(ctx context.Context, action, where string, force bool) bool {
	entry, _ := cc.Capture(ctx, cc.page, capture.Tags{Action: action, Context: where, Force: force})
	return entry != nil
}

func (c *Crawler) newCrawlContext(t Target) (*crawlContext, error) {
	name := t.Device
	if name == "" {
		name = c.config.Device
	}
	dev, err := device.Resolve(name)
	if err != nil {
		return nil, errors.NewConfigError("resolve device", err.Error())
	}

	log := c.logger.WithTarget(t.Slug)
	dir := filepath.Join(c.config.OutputDir, t.Slug)
	return &crawlContext{
		target:     t,
		device:     dev,
		dir:        dir,
		authCfg:    c.authConfigs.Get(t.Slug),
		engine:     capture.NewEngine(t.Slug, dir, c.config.MaxScreenshots, c.logger),
		limiter:    ratelimit.NewAdaptiveLimiter(c.config.RateLimit, c.config.RateLimit.PagesPerSecond/4),
		visited:    state.NewDeduplicator(c.config.MaxPages * 4),
		metrics:    c.metrics,
		landingURL: t.URL,
		manifest: &output.Manifest{
			Slug:     t.Slug,
			URL:      t.URL,
			Device:   dev.Name,
			Viewport: output.Viewport{Width: dev.Width, Height: dev.Height},
		},
		log: log,
	}, nil
}

// CrawlTarget crawls one target through every phase and writes its
// manifest. The returned Result is never nil; the error is non-nil when the
// target was not crawled to completion and carries the categorized cause.
func (c *Crawler) CrawlTarget(ctx context.Context, t Target) (*Result, error) {
	start := c.now()
	res := &Result{Target: t}
	finish := func(outcome state.Outcome, reason string, err error) (*Result, error) {
		res.Outcome = outcome
		res.Reason = reason
		res.Duration = c.now().Sub(start)
		c.metrics.RecordTarget()
		if !errors.IsType(err, errors.Cancelled) {
			c.record(res)
		}
		return res, err
	}

	if err := t.Validate(); err != nil {
		return finish(state.OutcomeSkipped, err.Error(), errors.NewConfigError("validate target", err.Error()))
	}
	res.Target = t

	cc, err := c.newCrawlContext(t)
	if err != nil {
		return finish(state.OutcomeSkipped, err.Error(), err)
	}
	cc.log.Event(logger.InfoLevel).
		Str("url", t.URL).
		Str("mode", string(t.Mode)).
		Str("device", cc.device.Name).
		Msg("Crawling target")

	if err := c.launch(ctx, cc); err != nil {
		return finish(state.OutcomeFailed, err.Error(), err)
	}
	defer c.teardown(cc)

	// Phase 1: landing
	if err := c.land(ctx, cc); err != nil {
		cc.log.WithError(err).Error("Landing failed")
		return finish(state.OutcomeFailed, "landing failed: "+err.Error(), err)
	}

	// Phase 2: auth gate
	if err := c.authGate(ctx, cc); err != nil {
		res.AuthTrail = trailNames(cc.authTrail)
		if errors.IsType(err, errors.Abandoned) {
			cc.log.SkipEvent(t.URL, err.Error())
			return finish(state.OutcomeSkipped, "abandoned: "+abandonReason(err), err)
		}
		return finish(state.OutcomeFailed, err.Error(), err)
	}
	res.AuthTrail = trailNames(cc.authTrail)

	c.captureLanding(ctx, cc)

	// Phase 3: metadata
	c.collectMetadata(ctx, cc)

	// Phase 4: link discovery
	links := c.discoverLinks(cc)

	// Phase 5: page visits
	c.visitLinks(ctx, cc, links)

	// Phase 6: interactive exploration on landing
	if t.Mode == ModeWallet {
		c.connectWallet(ctx, cc)
	} else {
		c.exploreModals(ctx, cc)
	}

	// Phase 7: common paths
	c.probeCommonPaths(ctx, cc)

	if ctx.Err() != nil {
		cerr := errors.NewCancelledError(t.URL, "crawl")
		return finish(state.OutcomeFailed, "cancelled", cerr)
	}

	path, err := c.writeManifest(cc)
	res.Manifest = cc.manifest
	if err != nil {
		cc.log.WithError(err).Error("Could not write manifest")
		return finish(state.OutcomeFailed, "manifest: "+err.Error(), err)
	}
	res.ManifestPath = path

	cc.log.Event(logger.InfoLevel).
		Int("screenshots", cc.engine.Count()).
		Int("states", cc.engine.States()).
		Int("pages", cc.pages).
		Str("manifest", path).
		Msg("Target crawled")
	return finish(state.OutcomeSuccess, "", nil)
}

// launch starts the crawl browser for the target's mode.
func (c *Crawler) launch(ctx context.Context, cc *crawlContext) error {
	opts := browser.LaunchOptions{Headless: c.config.Headless, Device: cc.device}

	switch cc.target.Mode {
	case ModeLogin:
		opts.ProfileDir = c.sessions.ProfileDir(cc.target.Slug)
	case ModeWallet:
		prof, err := wallet.LoadProfile(c.config.WalletsDir)
		if err != nil {
			return errors.NewConfigError("load wallet profile", err.Error())
		}
		// Extensions do not load in headless Chrome.
		opts.Headless = false
		opts.ProfileDir = prof.ProfileDir
		opts.ExtensionDir = prof.ExtensionDir
	}

	sess, err := c.launcher.Launch(ctx, opts)
	if err != nil {
		return errors.NewBrowserError(cc.target.URL, "launch", err)
	}
	cc.sess = sess
	cc.page = sess.Page()
	cc.profileDir = opts.ProfileDir

	if cc.target.Mode == ModeWallet {
		cc.stopApprover = wallet.NewApprover(c.config.Wallet, cc.log).Start(ctx, sess)
	}
	return nil
}

func (c *Crawler) teardown(cc *crawlContext) {
	if cc.stopApprover != nil {
		cc.stopApprover()
	}
	if cc.sess != nil {
		if err := cc.sess.Close(); err != nil {
			cc.log.WithError(err).Debug("Browser close failed")
		}
	}
	if cc.scratchProfile != "" {
		if err := os.RemoveAll(cc.scratchProfile); err != nil {
			cc.log.WithError(err).Debug("Scratch profile cleanup failed")
		}
	}
}

// land opens the target URL, waiting for network idle first and falling
// back to DOMContentLoaded once.
func (c *Crawler) land(ctx context.Context, cc *crawlContext) error {
	url := cc.target.URL
	result := errors.NewRetrier(c.landingRetry).Do(ctx, "landing", url, func(ctx context.Context, attempt int) error {
		wait := browser.WaitNetworkIdle
		if attempt > 0 {
			wait = browser.WaitDOMContentLoaded
			c.metrics.RecordRetry()
			cc.log.Warn("Retrying landing with DOMContentLoaded")
		}

		start := time.Now()
		err := cc.page.Navigate(ctx, url, wait)
		c.metrics.RecordNavigation(time.Since(start), err)
		if err == nil || errors.IsType(err, errors.Cancelled) || errors.IsRetryable(err) {
			return err
		}
		// Any landing failure gets its one retry.
		return errors.NewNavigationError(url, err)
	})
	if !result.Success {
		return result.LastError
	}

	cc.landingURL = cc.page.URL()
	cc.visited.Add(state.NormalizeURL(url))
	cc.visited.Add(state.NormalizeURL(cc.landingURL))
	c.settle(ctx)
	return nil
}

// authGate establishes the session for modes that need one.
func (c *Crawler) authGate(ctx context.Context, cc *crawlContext) error {
	if !cc.target.Mode.Authenticated() {
		return nil
	}

	if cc.target.Mode == ModeSession {
		c.replaySnapshot(ctx, cc)
	}

	var escalator auth.Escalator
	if c.escalation != nil {
		escalator = &handover{c: c, cc: cc, inner: c.escalation}
	}

	// Session targets keep no profile; the handover gives them a scratch one.
	profileDir := ""
	if cc.target.Mode == ModeLogin {
		profileDir = c.sessions.ProfileDir(cc.target.Slug)
	}

	env := auth.Env{
		Page:        cc.page,
		Config:      cc.authCfg,
		Credentials: c.credentials(cc),
		Escalation: auth.EscalationRequest{
			Slug:       cc.target.Slug,
			URL:        cc.target.URL,
			ProfileDir: profileDir,
			Device:     cc.device,
			Target:     cc.authCfg,
		},
	}

	out := auth.NewCascade(c.checker, c.relogin, escalator, cc.log).Run(ctx, env)
	cc.authTrail = out.Trail
	c.metrics.RecordAuth(out.State.String())

	switch out.State {
	case auth.Authenticated:
		cc.authenticated = true
		return nil

	case auth.Recovered:
		cc.authenticated = true
		// A login target's profile already holds the session.
		if cc.target.Mode == ModeSession {
			c.saveSnapshot(ctx, cc)
		}
		// Relogin usually lands on a dashboard; start over from the target.
		if err := c.navigate(ctx, cc, cc.target.URL); err != nil {
			cc.log.WithError(err).Warn("Could not return to landing after recovery")
		} else {
			cc.landingURL = cc.page.URL()
		}
		return nil

	default:
		if out.Reason == "cancelled" {
			return errors.NewCancelledError(cc.target.URL, "auth")
		}
		return errors.NewAbandonedError(cc.target.URL, out.Reason)
	}
}

// credentials loads stored credentials; any failure means none.
func (c *Crawler) credentials(cc *crawlContext) *vault.Credentials {
	cred, err := c.creds.Load(cc.target.Slug)
	if err != nil {
		if !stderrors.Is(err, vault.ErrNoCredentials) {
			cc.log.WithError(err).Warn("Credentials unavailable")
		}
		return nil
	}
	return cred
}

func (c *Crawler) replaySnapshot(ctx context.Context, cc *crawlContext) {
	snap, err := c.sessions.Load(cc.target.Slug)
	switch {
	case stderrors.Is(err, session.ErrNoSnapshot):
		cc.log.Info("No saved session")
		return
	case err != nil:
		cc.log.WithError(err).Warn("Could not read saved session")
		return
	case snap.Stale(c.now(), c.config.SessionMaxAge):
		cc.log.WithDuration(snap.Age(c.now())).Info("Saved session is stale; not replaying")
		return
	}

	if err := c.sessions.Replay(ctx, cc.page, snap); err != nil {
		cc.log.WithError(err).Warn("Session replay failed")
		return
	}
	c.settle(ctx)
}

func (c *Crawler) saveSnapshot(ctx context.Context, cc *crawlContext) {
	snap, err := c.sessions.Capture(ctx, cc.page, cc.target.Slug)
	if err != nil {
		cc.log.WithError(err).Warn("Could not capture session")
		return
	}
	snap.SavedAt = c.now().UTC()
	if err := c.sessions.Save(snap); err != nil {
		cc.log.WithError(err).Warn("Could not save session")
	}
}

// navigate loads url without retries and records it.
func (c *Crawler) navigate(ctx context.Context, cc *crawlContext, url string) error {
	start := time.Now()
	err := cc.page.Navigate(ctx, url, browser.WaitDOMContentLoaded)
	c.metrics.RecordNavigation(time.Since(start), err)
	if err != nil {
		cc.limiter.RecordError()
		return err
	}
	cc.limiter.RecordSuccess()
	c.settle(ctx)
	return nil
}

// captureLanding shoots the landing page, overlays first.
func (c *Crawler) captureLanding(ctx context.Context, cc *crawlContext) {
	c.dismissOverlays(ctx, cc)
	cc.capture(ctx, "landing", "landing", false)
}

// collectMetadata reads copy, technologies and timings off the landing
// page. Every failure leaves the field empty.
func (c *Crawler) collectMetadata(ctx context.Context, cc *crawlContext) {
	html, err := cc.page.HTML(ctx)
	if err != nil {
		cc.log.WithError(err).Debug("Could not read landing HTML")
		return
	}
	cc.landingHTML = html

	if cp, err := discovery.ExtractCopy(html); err == nil {
		cc.manifest.Copy = cp
	} else {
		cc.log.WithError(err).Debug("Copy extraction failed")
	}

	cookies, err := cc.page.Cookies(ctx)
	if err != nil {
		cc.log.WithError(err).Debug("Could not read cookies")
	}
	techs := discovery.DetectTechnologies(html, cookies)
	cc.manifest.TechStack = discovery.TechNames(techs)

	cc.manifest.Performance = discovery.SamplePerformance(ctx, cc.page)

	cc.log.Event(logger.DebugLevel).
		Strs("tech", cc.manifest.TechStack).
		Bool("performance", cc.manifest.Performance != nil).
		Msg("Metadata collected")
}

func (c *Crawler) discoverLinks(cc *crawlContext) discovery.Links {
	if cc.landingHTML == "" {
		return discovery.Links{}
	}
	links, err := discovery.ExtractLinks(cc.landingHTML, cc.landingURL, c.config.LinkScope)
	if err != nil {
		cc.log.WithError(err).Debug("Link discovery failed")
		return discovery.Links{}
	}
	cc.log.Event(logger.InfoLevel).
		Int("nav", len(links.Nav)).
		Int("body", len(links.Body)).
		Msg("Links discovered")
	return links
}

func (c *Crawler) writeManifest(cc *crawlContext) (string, error) {
	m := cc.manifest
	m.URL = cc.target.URL
	m.CrawledAt = c.now().UTC()
	m.TotalScreenshots = cc.engine.Count()
	m.TotalStates = cc.engine.States()
	m.Screens = cc.engine.Entries()
	return output.SaveManifest(cc.dir, m)
}

// record stores the outcome in the ledger when one is attached.
func (c *Crawler) record(res *Result) {
	if c.ledger == nil || res.Target.Slug == "" {
		return
	}
	rec := state.Record{
		Slug:        res.Target.Slug,
		URL:         res.Target.URL,
		Outcome:     res.Outcome,
		Reason:      res.Reason,
		Screenshots: res.Screenshots(),
		CrawledAt:   c.now().UTC(),
	}
	if err := c.ledger.Put(rec); err != nil {
		c.logger.WithTarget(res.Target.Slug).WithError(err).Warn("Could not update ledger")
	}
}

// settle waits for animations after a navigation or interaction.
func (c *Crawler) settle(ctx context.Context) {
	sleep(ctx, c.config.SettleDelay)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func abandonReason(err error) string {
	var ce *errors.CrawlError
	if stderrors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}
