package crawler

import (
	"context"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/output"
	"github.com/PentesterFlow/ScreenCrawler/internal/session"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

// Option is a functional option for configuring the Crawler.
type Option func(*Crawler) error

// CredentialSource loads stored credentials for a target. A source that
// also implements auth.CredentialStore lets escalation save credentials
// typed by the operator.
type CredentialSource interface {
	Load(slug string) (*vault.Credentials, error)
}

// PrompterFunc adapts a function to auth.Prompter.
type PrompterFunc func(ctx context.Context, slug string) (*vault.Credentials, error)

// PromptCredentials calls f.
func (f PrompterFunc) PromptCredentials(ctx context.Context, slug string) (*vault.Credentials, error) {
	return f(ctx, slug)
}

// WithConfig replaces the whole configuration. Later options still apply
// on top of it.
func WithConfig(cfg *Config) Option {
	return func(c *Crawler) error {
		if cfg != nil {
			c.config = cfg.Clone()
		}
		return nil
	}
}

// WithLogger sets the logger. Without it one is built from the Verbose,
// Debug and LogJSON settings.
func WithLogger(l *logger.Logger) Option {
	return func(c *Crawler) error {
		c.logger = l
		return nil
	}
}

// WithLauncher sets the browser launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(c *Crawler) error {
		c.launcher = l
		return nil
	}
}

// WithCredentials sets the credential source used by relogin.
func WithCredentials(src CredentialSource) Option {
	return func(c *Crawler) error {
		c.creds = src
		return nil
	}
}

// WithSessionStore sets the snapshot and profile store.
func WithSessionStore(s *session.Store) Option {
	return func(c *Crawler) error {
		c.sessions = s
		return nil
	}
}

// WithAuthConfigs sets per-target auth configuration instead of reading
// it from the configured file.
func WithAuthConfigs(cfgs auth.Configs) Option {
	return func(c *Crawler) error {
		c.authConfigs = cfgs
		return nil
	}
}

// WithLedger records each crawl outcome in l.
func WithLedger(l *state.Ledger) Option {
	return func(c *Crawler) error {
		c.ledger = l
		return nil
	}
}

// WithPrompter sets who is asked to save credentials after a manual login.
func WithPrompter(p auth.Prompter) Option {
	return func(c *Crawler) error {
		c.prompter = p
		return nil
	}
}

// WithSolver sets the CAPTCHA solver used during relogin.
func WithSolver(s auth.Solver) Option {
	return func(c *Crawler) error {
		c.solver = s
		return nil
	}
}

// WithOutput streams per-target results to w during a batch.
func WithOutput(w output.Writer) Option {
	return func(c *Crawler) error {
		c.output = w
		return nil
	}
}

// Progress follows a batch target by target.
type Progress interface {
	Start(total int)
	Begin(slug string)
	Finish(outcome string, screenshots int)
	Stop()
}

// WithProgress reports batch progress to p.
func WithProgress(p Progress) Option {
	return func(c *Crawler) error {
		c.progress = p
		return nil
	}
}

// WithOutputDir sets where screenshots and manifests are written.
func WithOutputDir(dir string) Option {
	return func(c *Crawler) error {
		c.config.OutputDir = dir
		return nil
	}
}

// WithDevice sets the default device profile.
func WithDevice(name string) Option {
	return func(c *Crawler) error {
		c.config.Device = name
		return nil
	}
}

// WithHeadless sets whether the crawl browser is headless.
func WithHeadless(headless bool) Option {
	return func(c *Crawler) error {
		c.config.Headless = headless
		return nil
	}
}

// WithEscalation enables or disables the human login hand-off.
func WithEscalation(enabled bool) Option {
	return func(c *Crawler) error {
		c.config.Escalation = enabled
		return nil
	}
}

// WithMaxScreenshots sets the per-target screenshot ceiling.
func WithMaxScreenshots(n int) Option {
	return func(c *Crawler) error {
		if n < 1 {
			n = 1
		}
		c.config.MaxScreenshots = n
		return nil
	}
}

// WithMaxPages sets the per-target page budget.
func WithMaxPages(n int) Option {
	return func(c *Crawler) error {
		if n < 0 {
			n = 0
		}
		c.config.MaxPages = n
		return nil
	}
}

// WithSettleDelay sets the wait after navigations and interactions.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Crawler) error {
		c.config.SettleDelay = d
		return nil
	}
}

// WithVaultPassphrase sets the passphrase for encrypted credential files.
func WithVaultPassphrase(pass string) Option {
	return func(c *Crawler) error {
		c.config.VaultPassphrase = pass
		return nil
	}
}

// WithCaptchaKey sets the CAPTCHA service API key.
func WithCaptchaKey(key string) Option {
	return func(c *Crawler) error {
		c.config.Captcha.APIKey = key
		return nil
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(c *Crawler) error {
		c.config.Verbose = verbose
		return nil
	}
}

// WithDebug enables debug mode.
func WithDebug(debug bool) Option {
	return func(c *Crawler) error {
		c.config.Debug = debug
		return nil
	}
}
