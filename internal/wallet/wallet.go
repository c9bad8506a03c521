// Package wallet connects a browser wallet extension to a dapp and approves
// the extension's popups while a crawl runs.
package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/capture"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

// ErrNoConnectButton is returned when the dapp shows no connect control.
var ErrNoConnectButton = errors.New("no connect wallet button found")

// Selectors for the dapp side of the flow.
var (
	ConnectSelectors = []string{
		"[data-testid=navbar-connect-wallet]",
		"[data-testid=connect-wallet]",
		"button>>text=Connect Wallet",
		"button>>text=Connect wallet",
		"text=Connect Wallet",
		"button>>text=Connect",
	}
	WalletOptionSelectors = []string{
		"[data-testid=rk-wallet-option-metaMask]",
		"[data-testid=wallet-option-metamask]",
		"button>>text=MetaMask",
		"text=MetaMask",
		"button>>text=Browser Wallet",
		"button>>text=Injected",
	}
	ConnectedIndicators = []string{
		"[data-testid=web3-status-connected]",
		"[data-testid=rk-account-button]",
		"[data-testid=account-button]",
		"button>>text=0x",
	}
)

// ApproveSelectors are the extension popup buttons clicked in order of
// preference: connect, next, approve, confirm, sign.
var ApproveSelectors = []string{
	"[data-testid=page-container-footer-next]",
	"[data-testid=confirm-btn]",
	"[data-testid=confirm-footer-button]",
	"button>>text=Connect",
	"button>>text=Next",
	"button>>text=Approve",
	"button>>text=Confirm",
	"button>>text=Sign",
}

// Config bounds every wallet wait.
type Config struct {
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	OptionTimeout  time.Duration `json:"option_timeout" yaml:"option_timeout"`
	ConnectedWait  time.Duration `json:"connected_wait" yaml:"connected_wait"`
	PopupTimeout   time.Duration `json:"popup_timeout" yaml:"popup_timeout"`
	// MaxPopupSteps caps how many buttons are clicked in one popup.
	MaxPopupSteps int `json:"max_popup_steps" yaml:"max_popup_steps"`
}

// DefaultConfig returns default wallet timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		OptionTimeout:  3 * time.Second,
		ConnectedWait:  15 * time.Second,
		PopupTimeout:   5 * time.Second,
		MaxPopupSteps:  4,
	}
}

// Approver clicks through wallet extension popups as they open.
type Approver struct {
	cfg       Config
	log       *logger.Logger
	approvals atomic.Int64
}

// NewApprover creates an Approver.
func NewApprover(cfg Config, log *logger.Logger) *Approver {
	if log == nil {
		log = logger.Nop()
	}
	return &Approver{cfg: cfg, log: log.WithComponent("wallet")}
}

// Start subscribes to sess popups and approves each one on a background
// goroutine. The returned stop function cancels the subscription and
// waits for the goroutine to exit.
func (a *Approver) Start(ctx context.Context, sess browser.Session) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	popups := sess.Popups(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Run(ctx, popups)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// Run approves popups until the channel closes or ctx ends.
func (a *Approver) Run(ctx context.Context, popups <-chan browser.Page) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-popups:
			if !ok {
				return
			}
			a.approve(ctx, p)
		}
	}
}

func (a *Approver) approve(ctx context.Context, p browser.Page) {
	log := a.log.WithURL(p.URL())
	for step := 0; step < a.cfg.MaxPopupSteps; step++ {
		sel, ok := p.FirstVisible(ctx, ApproveSelectors, a.cfg.PopupTimeout)
		if !ok {
			if step == 0 {
				log.Debug("popup has nothing to approve")
			}
			return
		}
		if err := p.Click(ctx, sel); err != nil {
			// The extension closes its window once the last step is accepted.
			log.WithError(err).Debug("popup closed before interaction")
			return
		}
		a.approvals.Add(1)
		log.WithField("button", sel).Info("approved wallet popup")
	}
}

// Approvals returns how many popup buttons were clicked.
func (a *Approver) Approvals() int {
	return int(a.approvals.Load())
}

// Capturer records a screenshot of the current page.
type Capturer interface {
	Capture(ctx context.Context, page browser.Page, tags capture.Tags) (*capture.Entry, error)
}

// Result describes a connect attempt.
type Result struct {
	Connected bool
	Option    string
}

// Connector drives the dapp side of the connect flow. Popups raised by the
// extension are handled by an Approver running alongside.
type Connector struct {
	cfg Config
	log *logger.Logger
}

// NewConnector creates a Connector.
func NewConnector(cfg Config, log *logger.Logger) *Connector {
	if log == nil {
		log = logger.Nop()
	}
	return &Connector{cfg: cfg, log: log.WithComponent("wallet")}
}

// Connect opens the dapp's wallet modal, captures it, picks the extension
// wallet and waits for a connected account indicator.
func (c *Connector) Connect(ctx context.Context, page browser.Page, shots Capturer) (Result, error) {
	var res Result

	sel, ok := page.FirstVisible(ctx, ConnectSelectors, c.cfg.ConnectTimeout)
	if !ok {
		return res, ErrNoConnectButton
	}
	if err := page.Click(ctx, sel); err != nil {
		return res, err
	}
	c.capture(ctx, page, shots, "wallet-modal")

	option, ok := page.FirstVisible(ctx, WalletOptionSelectors, c.cfg.OptionTimeout)
	if !ok {
		c.log.Info("wallet modal shows no extension option")
		page.Press(ctx, browser.KeyEscape)
		return res, nil
	}
	res.Option = option
	if err := page.Click(ctx, option); err != nil {
		return res, err
	}

	if _, ok := page.FirstVisible(ctx, ConnectedIndicators, c.cfg.ConnectedWait); !ok {
		c.log.Warn("wallet did not report a connected account")
		return res, nil
	}
	res.Connected = true
	c.log.Info("wallet connected")
	c.capture(ctx, page, shots, "wallet-connected")
	return res, nil
}

func (c *Connector) capture(ctx context.Context, page browser.Page, shots Capturer, action string) {
	if shots == nil {
		return
	}
	if _, err := shots.Capture(ctx, page, capture.Tags{Action: action, Context: "wallet"}); err != nil {
		c.log.WithError(err).Debug("wallet capture failed")
	}
}
