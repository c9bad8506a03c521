package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/captcha"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/totp"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

// Relogin failure causes, wrapped in Auth CrawlErrors.
var (
	ErrNoUsernameField = stderrors.New("no username field visible")
	ErrNoPasswordField = stderrors.New("no password field after username step")
	ErrTOTPRequired    = stderrors.New("one-time code requested but no TOTP seed stored")
	ErrStillLoggedOut  = stderrors.New("still not authenticated after submit")
)

// Generic field lookups, tried after any per-target override.
var (
	UsernameSelectors = []string{
		"input[type=email]",
		"input[autocomplete=username]",
		"input[name=username]",
		"input[name=email]",
		"input[name=login]",
		"input[id=username]",
		"input[id=email]",
		"input[type=text][name*=user]",
		"input[type=text][name*=email]",
	}
	SubmitSelectors = []string{
		"button[type=submit]",
		"input[type=submit]",
		"text=sign in",
		"text=log in",
		"text=continue",
		"text=next",
	}
	TOTPSelectors = []string{
		"input[autocomplete=one-time-code]",
		"input[name*=otp]",
		"input[name*=totp]",
		"input[name*=code][inputmode=numeric]",
		"input[id*=otp]",
		"input[maxlength='6'][inputmode=numeric]",
	}
	TOTPSubmitSelectors = []string{
		"button[type=submit]",
		"text=verify",
		"text=confirm",
		"text=continue",
	}
)

// Solver clears CAPTCHA challenges. *captcha.Client implements it.
type Solver interface {
	Detect(ctx context.Context, page browser.Page) (*captcha.Challenge, bool)
	Solve(ctx context.Context, page browser.Page, ch *captcha.Challenge) error
}

// ReloginConfig holds the relogin waits.
type ReloginConfig struct {
	UsernameWait time.Duration `json:"username_wait" yaml:"username_wait"`
	PasswordWait time.Duration `json:"password_wait" yaml:"password_wait"`
	TOTPWait     time.Duration `json:"totp_wait" yaml:"totp_wait"`
	SettleDelay  time.Duration `json:"settle_delay" yaml:"settle_delay"`
}

// DefaultReloginConfig returns the default waits.
func DefaultReloginConfig() ReloginConfig {
	return ReloginConfig{
		UsernameWait: 5 * time.Second,
		PasswordWait: 10 * time.Second,
		TOTPWait:     3 * time.Second,
		SettleDelay:  3 * time.Second,
	}
}

// Relogin drives a sign-in form without human input.
type Relogin struct {
	config  ReloginConfig
	checker *Checker
	solver  Solver
	totp    *totp.Generator
	log     *logger.Logger
}

// NewRelogin creates a Relogin. solver may be nil, in which case any
// CAPTCHA aborts the attempt.
func NewRelogin(config ReloginConfig, checker *Checker, solver Solver, gen *totp.Generator, log *logger.Logger) *Relogin {
	if checker == nil {
		checker = NewChecker()
	}
	if gen == nil {
		gen = totp.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relogin{config: config, checker: checker, solver: solver, totp: gen, log: log.WithComponent("auth")}
}

// Attempt runs one login attempt. It returns nil only when the page ends up
// authenticated and off every login path.
func (r *Relogin) Attempt(ctx context.Context, page browser.Page, cred *vault.Credentials, cfg *TargetConfig) error {
	if cfg == nil {
		cfg = &TargetConfig{}
	}
	if cred == nil {
		return errors.NewAuthError(page.URL(), "relogin", vault.ErrNoCredentials.Error())
	}

	if cfg.LoginURL != "" {
		if err := page.Navigate(ctx, cfg.LoginURL, browser.WaitDOMContentLoaded); err != nil {
			return errors.NewNavigationError(cfg.LoginURL, err)
		}
	}

	user, ok := page.FirstVisible(ctx, withOverride(cfg.Selectors.Username, UsernameSelectors), r.config.UsernameWait)
	if !ok {
		return r.fail(page, ErrNoUsernameField)
	}
	if err := page.Fill(ctx, user, cred.Username); err != nil {
		return r.fail(page, fmt.Errorf("fill username: %w", err))
	}

	if err := r.clearCaptcha(ctx, page); err != nil {
		return err
	}

	passSels := withOverride(cfg.Selectors.Password, []string{PasswordSelector})
	pass, single := page.FirstVisible(ctx, passSels, 0)
	if !single {
		r.log.WithURL(page.URL()).Debug("Multi-step login: submitting username")
		if err := r.submit(ctx, page, withOverride(cfg.Selectors.Submit, SubmitSelectors)); err != nil {
			return r.fail(page, err)
		}
		if err := r.clearCaptcha(ctx, page); err != nil {
			return err
		}
		if pass, ok = page.FirstVisible(ctx, passSels, r.config.PasswordWait); !ok {
			return r.fail(page, ErrNoPasswordField)
		}
	}
	if err := page.Fill(ctx, pass, cred.Password); err != nil {
		return r.fail(page, fmt.Errorf("fill password: %w", err))
	}
	if err := r.submit(ctx, page, withOverride(cfg.Selectors.Submit, SubmitSelectors)); err != nil {
		return r.fail(page, err)
	}

	if err := r.secondFactor(ctx, page, cred, cfg); err != nil {
		return err
	}

	if err := sleep(ctx, r.config.SettleDelay); err != nil {
		return errors.NewCancelledError(page.URL(), "relogin")
	}

	res := r.checker.Check(ctx, page, cfg)
	if !res.Authenticated || OnLoginPath(page.URL(), cfg.LoginPaths) {
		return r.fail(page, fmt.Errorf("%w (%s)", ErrStillLoggedOut, res.Reason))
	}
	r.log.WithURL(page.URL()).Event(logger.InfoLevel).Str("reason", res.Reason).Msg("Relogin succeeded")
	return nil
}

// clearCaptcha solves a challenge when one is showing. Any failure aborts
// the attempt rather than submitting a half-verified form.
func (r *Relogin) clearCaptcha(ctx context.Context, page browser.Page) error {
	if r.solver == nil {
		if ch, ok := captcha.Detect(ctx, page); ok {
			return errors.NewCaptchaError(page.URL(), "no solver configured for "+string(ch.Kind), captcha.ErrNoAPIKey)
		}
		return nil
	}
	ch, ok := r.solver.Detect(ctx, page)
	if !ok {
		return nil
	}
	r.log.WithURL(page.URL()).Infof("CAPTCHA detected: %s", ch.Kind)
	return r.solver.Solve(ctx, page, ch)
}

func (r *Relogin) secondFactor(ctx context.Context, page browser.Page, cred *vault.Credentials, cfg *TargetConfig) error {
	field, ok := page.FirstVisible(ctx, withOverride(cfg.Selectors.TOTP, TOTPSelectors), r.config.TOTPWait)
	if !ok {
		return nil
	}
	if !cred.HasTOTP() {
		return r.fail(page, ErrTOTPRequired)
	}

	code, err := r.totp.Fresh(ctx, cred.TOTPSecret)
	if err != nil {
		return r.fail(page, err)
	}
	if err := page.Fill(ctx, field, code); err != nil {
		return r.fail(page, fmt.Errorf("fill totp: %w", err))
	}
	r.log.WithURL(page.URL()).Debug("TOTP code entered")
	return r.submit(ctx, page, withOverride(cfg.Selectors.TOTPSubmit, TOTPSubmitSelectors))
}

// submit clicks the first visible submit control or falls back to Enter.
func (r *Relogin) submit(ctx context.Context, page browser.Page, selectors []string) error {
	if sel, ok := page.FirstVisible(ctx, selectors, 0); ok {
		if err := page.Click(ctx, sel); err == nil {
			return nil
		}
	}
	return page.Press(ctx, browser.KeyEnter)
}

func (r *Relogin) fail(page browser.Page, cause error) error {
	err := errors.NewAuthError(page.URL(), "relogin", cause.Error())
	err.Cause = cause
	r.log.WithURL(page.URL()).WithError(cause).Warn("Relogin failed")
	return err
}

func withOverride(override string, generic []string) []string {
	if override == "" {
		return generic
	}
	return append([]string{override}, generic...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
