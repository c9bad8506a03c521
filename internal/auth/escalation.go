package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/device"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

// ErrEscalationUnavailable means no visible browser could be shown.
var ErrEscalationUnavailable = stderrors.New("human escalation unavailable")

// Prompter asks the operator for credentials after a manual login.
// Returning nil credentials declines.
type Prompter interface {
	PromptCredentials(ctx context.Context, slug string) (*vault.Credentials, error)
}

// CredentialStore persists credentials supplied during escalation.
type CredentialStore interface {
	Has(slug string) bool
	Save(slug string, cred *vault.Credentials) error
}

// EscalationConfig bounds the human wait and the credential prompt that
// follows it. A zero PromptTimeout means DefaultPromptTimeout.
type EscalationConfig struct {
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Deadline      time.Duration `json:"deadline" yaml:"deadline"`
	PromptTimeout time.Duration `json:"prompt_timeout" yaml:"prompt_timeout"`
}

// DefaultPromptTimeout bounds the save-credentials prompt.
const DefaultPromptTimeout = 2 * time.Minute

// DefaultEscalationConfig polls every 3s for up to five minutes.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{PollInterval: 3 * time.Second, Deadline: 5 * time.Minute, PromptTimeout: DefaultPromptTimeout}
}

// EscalationRequest describes one hand-off.
type EscalationRequest struct {
	Slug       string
	URL        string
	ProfileDir string
	Device     device.Profile
	Target     *TargetConfig
}

// Escalation opens a visible browser on the target's persistent profile and
// waits for a person to sign in.
type Escalation struct {
	config   EscalationConfig
	launcher browser.Launcher
	checker  *Checker
	store    CredentialStore
	prompter Prompter
	log      *logger.Logger
}

// NewEscalation creates an Escalation. store and prompter may be nil.
func NewEscalation(config EscalationConfig, launcher browser.Launcher, checker *Checker, store CredentialStore, prompter Prompter, log *logger.Logger) *Escalation {
	if checker == nil {
		checker = NewChecker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Escalation{
		config:   config,
		launcher: launcher,
		checker:  checker,
		store:    store,
		prompter: prompter,
		log:      log.WithComponent("auth"),
	}
}

// Start opens the visible browser on the target's profile and points it at
// the target. It returns ErrEscalationUnavailable when no browser can be
// shown.
func (e *Escalation) Start(ctx context.Context, req EscalationRequest) (Handoff, error) {
	if e.launcher == nil {
		return nil, ErrEscalationUnavailable
	}
	detached := context.WithoutCancel(ctx)

	sess, err := e.launcher.Launch(detached, browser.LaunchOptions{
		Headless:   false,
		ProfileDir: req.ProfileDir,
		Device:     req.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscalationUnavailable, err)
	}

	h := &handoff{e: e, sess: sess, req: req, log: e.log.WithTarget(req.Slug)}
	if err := sess.Page().Navigate(detached, req.URL, browser.WaitDOMContentLoaded); err != nil {
		h.log.WithError(err).Debug("Escalation navigation failed; the operator can navigate manually")
	}
	h.log.Event(logger.WarnLevel).
		Str("url", req.URL).
		Dur("deadline", e.config.Deadline).
		Msg("Manual login required: sign in in the opened browser window")
	return h, nil
}

type handoff struct {
	e    *Escalation
	sess browser.Session
	req  EscalationRequest
	log  *logger.Logger
}

// Wait blocks until the human signs in or the deadline passes. Only the
// deadline ends the wait; parent cancellation is ignored. The visible
// session is closed before returning so the caller can reopen the same
// profile headless.
func (h *handoff) Wait(ctx context.Context) error {
	defer h.sess.Close()
	wait := context.WithoutCancel(ctx)
	page := h.sess.Page()

	var last Result
	err := errors.Poll(wait, errors.PollConfig{
		Interval: h.e.config.PollInterval,
		Deadline: h.e.config.Deadline,
	}, "human login", func(pctx context.Context) (bool, error) {
		last = h.e.checker.Check(pctx, page, h.req.Target)
		// A positive reading while still on a login path is the stale page
		// from before the hand-off.
		return last.Authenticated && !OnLoginPath(page.URL(), loginPaths(h.req.Target)), nil
	})
	if err != nil {
		h.log.Event(logger.WarnLevel).Str("last", last.Reason).Msg("Manual login timed out")
		return errors.NewAbandonedError(h.req.URL, "manual login not completed within "+h.e.config.Deadline.String())
	}

	h.log.Event(logger.InfoLevel).Str("reason", last.Reason).Msg("Manual login detected")
	h.e.offerSave(wait, h.req.Slug)
	return nil
}

func (e *Escalation) offerSave(ctx context.Context, slug string) {
	if e.prompter == nil || e.store == nil || e.store.Has(slug) {
		return
	}
	timeout := e.config.PromptTimeout
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cred, err := e.prompter.PromptCredentials(pctx, slug)
	if err != nil {
		e.log.WithTarget(slug).WithError(err).Debug("Credential prompt ended without credentials")
		return
	}
	if cred == nil || cred.Username == "" {
		return
	}
	if err := e.store.Save(slug, cred); err != nil {
		e.log.WithTarget(slug).WithError(err).Warn("Could not save credentials")
		return
	}
	e.log.WithTarget(slug).Info("Credentials saved for automated relogin")
}

func loginPaths(cfg *TargetConfig) []string {
	if cfg == nil {
		return nil
	}
	return cfg.LoginPaths
}
