package auth

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser/browsertest"
	"github.com/PentesterFlow/ScreenCrawler/internal/captcha"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/totp"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

// =============================================================================
// Config Tests
// =============================================================================

func TestOnLoginPath(t *testing.T) {
	tests := []struct {
		url   string
		extra []string
		want  bool
	}{
		{"https://app.test/login", nil, true},
		{"https://app.test/users/sign-in?next=/", nil, true},
		{"https://app.test/signin.html", nil, true},
		{"https://app.test/oauth2/authorize", nil, true},
		{"https://app.test/#/login", nil, true},
		{"https://app.test/SSO/start", nil, true},
		{"https://app.test/users/sign_in", nil, true},
		{"https://app.test/log_in", nil, true},
		{"https://app.test/authentication", nil, true},
		{"https://app.test/authenticate?return=/", nil, true},
		{"https://app.test/#!/sign_in", nil, true},
		{"https://app.test/authors", nil, false},
		{"https://app.test/authorities", nil, false},
		{"https://app.test/dashboard", nil, false},
		{"https://app.test/", nil, false},
		{"https://app.test/account/enter", []string{"/account/enter"}, true},
	}
	for _, tt := range tests {
		if got := OnLoginPath(tt.url, tt.extra); got != tt.want {
			t.Errorf("OnLoginPath(%q, %v) = %v, want %v", tt.url, tt.extra, got, tt.want)
		}
	}
}

func TestLoadConfigs(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "auth.yaml")
	_ = os.WriteFile(yamlPath, []byte(`
gmx:
  loginUrl: https://app.gmx.io/login
  selectors:
    username: "#email"
    totpSubmit: "button.verify"
  successIndicators: [".user-menu"]
`), 0o600)

	configs, err := LoadConfigs(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfigs() error = %v", err)
	}
	gmx := configs.Get("gmx")
	if gmx.LoginURL != "https://app.gmx.io/login" || gmx.Selectors.Username != "#email" ||
		gmx.Selectors.TOTPSubmit != "button.verify" || len(gmx.SuccessIndicators) != 1 {
		t.Errorf("gmx config = %+v", gmx)
	}
	if other := configs.Get("unknown"); other == nil || other.LoginURL != "" {
		t.Errorf("Get(unknown) = %+v", other)
	}

	jsonPath := filepath.Join(dir, "auth.json")
	_ = os.WriteFile(jsonPath, []byte(`{"aave":{"loginPaths":["/enter"]}}`), 0o600)
	configs, err = LoadConfigs(jsonPath)
	if err != nil || len(configs.Get("aave").LoginPaths) != 1 {
		t.Errorf("json configs = %+v, %v", configs, err)
	}

	configs, err = LoadConfigs(filepath.Join(dir, "missing.yaml"))
	if err != nil || len(configs) != 0 {
		t.Errorf("missing file = %v, %v", configs, err)
	}
}

// =============================================================================
// Health Checker Tests
// =============================================================================

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		visible  []string
		cfg      *TargetConfig
		wantAuth bool
		reason   string
	}{
		{
			name:    "login redirect beats positive signal",
			url:     "https://app.test/login",
			visible: []string{"a[href*=dashboard]"},
			reason:  ReasonLoginRedirect,
		},
		{
			name:   "custom login path",
			url:    "https://app.test/enter",
			cfg:    &TargetConfig{LoginPaths: []string{"/enter"}},
			reason: ReasonLoginRedirect,
		},
		{
			name:    "password field",
			url:     "https://app.test/",
			visible: []string{PasswordSelector, "text=deposit"},
			reason:  ReasonPasswordVisible,
		},
		{
			name:     "configured indicator present",
			url:      "https://app.test/",
			visible:  []string{".user-menu"},
			cfg:      &TargetConfig{SuccessIndicators: []string{".user-menu"}},
			wantAuth: true,
			reason:   "success indicator: .user-menu",
		},
		{
			name:    "configured indicators are authoritative",
			url:     "https://app.test/",
			visible: []string{"text=deposit"},
			cfg:     &TargetConfig{SuccessIndicators: []string{".user-menu"}},
			reason:  ReasonIndicatorsAbsent,
		},
		{
			name:     "generic indicator",
			url:      "https://app.test/",
			visible:  []string{"text=withdraw"},
			wantAuth: true,
			reason:   "logged-in indicator: text=withdraw",
		},
		{
			name:     "optimistic default",
			url:      "https://app.test/",
			wantAuth: true,
			reason:   ReasonNoSignal,
		},
	}

	c := &Checker{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.NewPage(tt.url, "App")
			page.Show(tt.visible...)

			got := c.Check(context.Background(), page, tt.cfg)
			if got.Authenticated != tt.wantAuth || got.Reason != tt.reason {
				t.Errorf("Check() = %+v, want {%v %q}", got, tt.wantAuth, tt.reason)
			}
		})
	}
}

// =============================================================================
// Transition Tests
// =============================================================================

func TestTransition(t *testing.T) {
	valid := []struct {
		from State
		ev   Event
		to   State
	}{
		{Checking, Healthy, Authenticated},
		{Checking, Unhealthy, NeedsRecovery},
		{NeedsRecovery, CredentialsAvailable, AutoReloginAttempted},
		{NeedsRecovery, NoCredentials, Escalate},
		{AutoReloginAttempted, ReloginSucceeded, Recovered},
		{AutoReloginAttempted, ReloginFailed, Escalate},
		{Escalate, EscalationStarted, HumanLoginWait},
		{Escalate, EscalationUnavailable, Abandoned},
		{HumanLoginWait, HumanSucceeded, Recovered},
		{HumanLoginWait, HumanTimedOut, Abandoned},
	}
	for _, tt := range valid {
		got, err := Transition(tt.from, tt.ev)
		if err != nil || got != tt.to {
			t.Errorf("Transition(%s, %s) = %s, %v; want %s", tt.from, tt.ev, got, err, tt.to)
		}
	}

	invalid := []struct {
		from State
		ev   Event
	}{
		{Checking, ReloginSucceeded},
		{NeedsRecovery, HumanSucceeded},
		{Authenticated, Unhealthy},
		{Recovered, Healthy},
		{Abandoned, EscalationStarted},
		{HumanLoginWait, ReloginFailed},
	}
	for _, tt := range invalid {
		got, err := Transition(tt.from, tt.ev)
		if !stderrors.Is(err, ErrInvalidTransition) || got != tt.from {
			t.Errorf("Transition(%s, %s) = %s, %v; want ErrInvalidTransition", tt.from, tt.ev, got, err)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Authenticated, Recovered, Abandoned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{Checking, NeedsRecovery, AutoReloginAttempted, Escalate, HumanLoginWait} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if Abandoned.Proceed() || !Recovered.Proceed() {
		t.Error("only authenticated and recovered may proceed")
	}
}

// =============================================================================
// Relogin Tests
// =============================================================================

type stubSolver struct {
	challenge *captcha.Challenge
	err       error
	solved    int
}

func (s *stubSolver) Detect(ctx context.Context, page browser.Page) (*captcha.Challenge, bool) {
	if s.challenge == nil || s.solved > 0 {
		return nil, false
	}
	return s.challenge, true
}

func (s *stubSolver) Solve(ctx context.Context, page browser.Page, ch *captcha.Challenge) error {
	if s.err != nil {
		return s.err
	}
	s.solved++
	return nil
}

func fastRelogin(solver Solver) *Relogin {
	gen := totp.New()
	gen.MinRemaining = 0
	return NewRelogin(ReloginConfig{
		UsernameWait: 50 * time.Millisecond,
		PasswordWait: 50 * time.Millisecond,
	}, &Checker{}, solver, gen, nil)
}

var testCred = &vault.Credentials{Username: "ops@example.com", Password: "hunter2"}

const submit = "button[type=submit]"

func loginPage() *browsertest.Page {
	page := browsertest.NewPage("https://app.test/login", "Sign in")
	page.Show("input[type=email]", submit)
	return page
}

func landOnDashboard(p *browsertest.Page) {
	p.SetURL("https://app.test/dashboard")
	p.HideAll()
	p.Show("a[href*=dashboard]")
}

func TestRelogin_SingleStep(t *testing.T) {
	page := loginPage()
	page.Show(PasswordSelector)
	page.OnClick[submit] = landOnDashboard

	if err := fastRelogin(nil).Attempt(context.Background(), page, testCred, nil); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if page.Filled("input[type=email]") != testCred.Username || page.Filled(PasswordSelector) != testCred.Password {
		t.Errorf("fills = %v", page.Fills)
	}
	if page.ClickCount(submit) != 1 {
		t.Errorf("submit clicks = %d, want 1", page.ClickCount(submit))
	}
}

func TestRelogin_MultiStepWithOverrides(t *testing.T) {
	page := browsertest.NewPage("https://app.test/", "Home")
	page.Show("#user", "#go")
	clicks := 0
	page.OnClick["#go"] = func(p *browsertest.Page) {
		clicks++
		if clicks == 1 {
			p.Show("#pass")
			return
		}
		landOnDashboard(p)
	}
	cfg := &TargetConfig{
		LoginURL:  "https://app.test/login",
		Selectors: Selectors{Username: "#user", Password: "#pass", Submit: "#go"},
	}

	if err := fastRelogin(nil).Attempt(context.Background(), page, testCred, cfg); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if len(page.Navigations) != 1 || page.Navigations[0] != cfg.LoginURL {
		t.Errorf("navigations = %v", page.Navigations)
	}
	if page.Filled("#pass") != "hunter2" || clicks != 2 {
		t.Errorf("fills = %v, clicks = %d", page.Fills, clicks)
	}
}

func TestRelogin_Failures(t *testing.T) {
	t.Run("no username field", func(t *testing.T) {
		page := browsertest.NewPage("https://app.test/login", "Sign in")
		err := fastRelogin(nil).Attempt(context.Background(), page, testCred, nil)
		if !stderrors.Is(err, ErrNoUsernameField) || !errors.IsType(err, errors.Auth) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("password never appears", func(t *testing.T) {
		page := loginPage()
		err := fastRelogin(nil).Attempt(context.Background(), page, testCred, nil)
		if !stderrors.Is(err, ErrNoPasswordField) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("still on login path", func(t *testing.T) {
		page := loginPage()
		page.Show(PasswordSelector)
		page.OnClick[submit] = func(p *browsertest.Page) {
			p.Hide(PasswordSelector)
			p.Show("text=deposit")
		}
		err := fastRelogin(nil).Attempt(context.Background(), page, testCred, nil)
		if !stderrors.Is(err, ErrStillLoggedOut) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		err := fastRelogin(nil).Attempt(context.Background(), loginPage(), nil, nil)
		if !errors.IsType(err, errors.Auth) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRelogin_TOTP(t *testing.T) {
	const otpField = "input[autocomplete=one-time-code]"

	newPage := func() *browsertest.Page {
		page := loginPage()
		page.Show(PasswordSelector)
		clicks := 0
		page.OnClick[submit] = func(p *browsertest.Page) {
			clicks++
			if clicks == 1 {
				p.SetURL("https://app.test/verify")
				p.HideAll()
				p.Show(otpField, submit)
				return
			}
			landOnDashboard(p)
		}
		return page
	}

	t.Run("seed stored", func(t *testing.T) {
		page := newPage()
		cred := &vault.Credentials{Username: "a", Password: "b", TOTPSecret: "GEZD GNBV GY3T QOJQ GEZD GNBV GY3T QOJQ"}
		if err := fastRelogin(nil).Attempt(context.Background(), page, cred, nil); err != nil {
			t.Fatalf("Attempt() error = %v", err)
		}
		if code := page.Filled(otpField); len(code) != 6 {
			t.Errorf("totp code = %q", code)
		}
	})

	t.Run("seed missing", func(t *testing.T) {
		page := newPage()
		err := fastRelogin(nil).Attempt(context.Background(), page, testCred, nil)
		if !stderrors.Is(err, ErrTOTPRequired) {
			t.Errorf("err = %v, want ErrTOTPRequired", err)
		}
		if page.ClickCount(submit) != 1 {
			t.Errorf("the 2FA step must not be submitted without a code")
		}
	})
}

func TestRelogin_Captcha(t *testing.T) {
	ch := &captcha.Challenge{Kind: captcha.Turnstile, SiteKey: "0x4AAA"}

	t.Run("solved", func(t *testing.T) {
		page := loginPage()
		page.Show(PasswordSelector)
		page.OnClick[submit] = landOnDashboard
		solver := &stubSolver{challenge: ch}

		if err := fastRelogin(solver).Attempt(context.Background(), page, testCred, nil); err != nil {
			t.Fatalf("Attempt() error = %v", err)
		}
		if solver.solved != 1 {
			t.Errorf("solved = %d", solver.solved)
		}
	})

	t.Run("solve failure aborts before submit", func(t *testing.T) {
		page := loginPage()
		page.Show(PasswordSelector)
		solver := &stubSolver{challenge: ch, err: errors.NewCaptchaError("", "no balance", nil)}

		err := fastRelogin(solver).Attempt(context.Background(), page, testCred, nil)
		if !errors.IsType(err, errors.Captcha) {
			t.Errorf("err = %v, want Captcha error", err)
		}
		if page.ClickCount(submit) != 0 {
			t.Error("form must not be submitted after a failed solve")
		}
	})
}

// =============================================================================
// Escalation Tests
// =============================================================================

type memStore struct {
	mu    sync.Mutex
	saved map[string]*vault.Credentials
}

func (m *memStore) Has(slug string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[slug] != nil
}

func (m *memStore) Save(slug string, cred *vault.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*vault.Credentials)
	}
	m.saved[slug] = cred
	return nil
}

type stubPrompter struct{ cred *vault.Credentials }

func (p stubPrompter) PromptCredentials(ctx context.Context, slug string) (*vault.Credentials, error) {
	return p.cred, nil
}

func escalationRequest() EscalationRequest {
	return EscalationRequest{Slug: "gmx", URL: "https://app.test/", ProfileDir: "/tmp/profiles/gmx"}
}

func TestEscalation_HumanSignsIn(t *testing.T) {
	page := browsertest.NewPage("about:blank", "")
	page.Show(PasswordSelector)
	sess := browsertest.NewSession(page)
	launcher := browsertest.NewLauncher(sess)
	store := &memStore{}

	esc := NewEscalation(EscalationConfig{PollInterval: 5 * time.Millisecond, Deadline: 2 * time.Second},
		launcher, &Checker{}, store, stubPrompter{cred: testCred}, nil)

	h, err := esc.Start(context.Background(), escalationRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		landOnDashboard(page)
	}()

	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !sess.IsClosed() {
		t.Error("visible session should be closed after the hand-off")
	}
	opts := launcher.Launches[0]
	if opts.Headless || opts.ProfileDir != "/tmp/profiles/gmx" {
		t.Errorf("launch options = %+v", opts)
	}
	if page.Navigations[0] != "https://app.test/" {
		t.Errorf("navigations = %v", page.Navigations)
	}
	if !store.Has("gmx") {
		t.Error("prompted credentials should be saved")
	}
}

// blockingPrompter waits for the operator until its context ends.
type blockingPrompter struct{ returned chan struct{} }

func (p *blockingPrompter) PromptCredentials(ctx context.Context, slug string) (*vault.Credentials, error) {
	<-ctx.Done()
	close(p.returned)
	return nil, ctx.Err()
}

func TestEscalation_PromptIsBounded(t *testing.T) {
	page := browsertest.NewPage("about:blank", "")
	page.Show(PasswordSelector)
	sess := browsertest.NewSession(page)
	launcher := browsertest.NewLauncher(sess)
	store := &memStore{}
	prompter := &blockingPrompter{returned: make(chan struct{})}

	esc := NewEscalation(EscalationConfig{
		PollInterval:  5 * time.Millisecond,
		Deadline:      200 * time.Millisecond,
		PromptTimeout: 50 * time.Millisecond,
	}, launcher, &Checker{}, store, prompter, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h, err := esc.Start(ctx, escalationRequest())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		landOnDashboard(page)
	}()

	done := make(chan error, 1)
	go func() { done <- h.Wait(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() error = %v, want nil after manual login", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait() still blocked on the credential prompt")
	}
	select {
	case <-prompter.returned:
	default:
		t.Error("prompter should have been released by its timeout")
	}
	if store.Has("gmx") {
		t.Error("nothing should be saved when the prompt times out")
	}
	if !sess.IsClosed() {
		t.Error("visible session should be closed")
	}
}

func TestDefaultEscalationConfig(t *testing.T) {
	cfg := DefaultEscalationConfig()
	if cfg.PollInterval != 3*time.Second || cfg.Deadline != 5*time.Minute || cfg.PromptTimeout != DefaultPromptTimeout {
		t.Errorf("DefaultEscalationConfig() = %+v", cfg)
	}
}

func TestEscalation_RejectsStaleLoginPage(t *testing.T) {
	page := browsertest.NewPage("about:blank", "")
	page.NavigateFunc = func(p *browsertest.Page, url string, wait browser.WaitCondition) error {
		p.SetURL("https://app.test/login")
		return nil
	}
	// Logged-in chrome on a login URL must not count.
	page.Show("text=deposit")
	launcher := browsertest.NewLauncher(browsertest.NewSession(page))

	esc := NewEscalation(EscalationConfig{PollInterval: 5 * time.Millisecond, Deadline: 40 * time.Millisecond},
		launcher, &Checker{}, nil, nil, nil)
	h, err := esc.Start(context.Background(), escalationRequest())
	if err != nil {
		t.Fatal(err)
	}
	err = h.Wait(context.Background())
	if !errors.IsType(err, errors.Abandoned) {
		t.Errorf("err = %v, want Abandoned", err)
	}
}

func TestEscalation_IgnoresParentCancel(t *testing.T) {
	page := browsertest.NewPage("about:blank", "")
	page.Show(PasswordSelector)
	launcher := browsertest.NewLauncher(browsertest.NewSession(page))
	esc := NewEscalation(EscalationConfig{PollInterval: 5 * time.Millisecond, Deadline: 2 * time.Second},
		launcher, &Checker{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := esc.Start(ctx, escalationRequest())
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	go func() {
		time.Sleep(30 * time.Millisecond)
		landOnDashboard(page)
	}()
	if err := h.Wait(ctx); err != nil {
		t.Errorf("Wait() after parent cancel = %v, want nil", err)
	}
}

func TestEscalation_Unavailable(t *testing.T) {
	launcher := browsertest.NewLauncher()
	launcher.Err = stderrors.New("no display")
	esc := NewEscalation(DefaultEscalationConfig(), launcher, nil, nil, nil, nil)

	if _, err := esc.Start(context.Background(), escalationRequest()); !stderrors.Is(err, ErrEscalationUnavailable) {
		t.Errorf("err = %v, want ErrEscalationUnavailable", err)
	}

	esc = NewEscalation(DefaultEscalationConfig(), nil, nil, nil, nil, nil)
	if _, err := esc.Start(context.Background(), escalationRequest()); !stderrors.Is(err, ErrEscalationUnavailable) {
		t.Errorf("nil launcher err = %v", err)
	}
}

// =============================================================================
// Cascade Tests
// =============================================================================

type stubRelogin struct {
	err      error
	attempts int
}

func (r *stubRelogin) Attempt(ctx context.Context, page browser.Page, cred *vault.Credentials, cfg *TargetConfig) error {
	r.attempts++
	return r.err
}

type stubEscalator struct {
	startErr error
	waitErr  error
	starts   int
	order    *[]string
}

func (e *stubEscalator) Start(ctx context.Context, req EscalationRequest) (Handoff, error) {
	e.starts++
	if e.order != nil {
		*e.order = append(*e.order, "escalate")
	}
	if e.startErr != nil {
		return nil, e.startErr
	}
	return stubHandoff{err: e.waitErr}, nil
}

type stubHandoff struct{ err error }

func (h stubHandoff) Wait(ctx context.Context) error { return h.err }

func trail(states []State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

func TestCascade_Run(t *testing.T) {
	timeout := errors.NewAbandonedError("https://app.test/", "manual login not completed")

	tests := []struct {
		name      string
		healthy   bool
		cred      *vault.Credentials
		relogin   *stubRelogin
		escalator *stubEscalator
		want      State
		wantTrail string
	}{
		{
			name:      "healthy first load",
			healthy:   true,
			cred:      testCred,
			relogin:   &stubRelogin{},
			escalator: &stubEscalator{},
			want:      Authenticated,
			wantTrail: "checking>authenticated",
		},
		{
			name:      "relogin recovers",
			cred:      testCred,
			relogin:   &stubRelogin{},
			escalator: &stubEscalator{},
			want:      Recovered,
			wantTrail: "checking>needs_recovery>auto_relogin_attempted>recovered",
		},
		{
			name:      "relogin fails then human recovers",
			cred:      testCred,
			relogin:   &stubRelogin{err: ErrStillLoggedOut},
			escalator: &stubEscalator{},
			want:      Recovered,
			wantTrail: "checking>needs_recovery>auto_relogin_attempted>escalate>human_login_wait>recovered",
		},
		{
			name:      "no credentials skips relogin",
			relogin:   &stubRelogin{},
			escalator: &stubEscalator{},
			want:      Recovered,
			wantTrail: "checking>needs_recovery>escalate>human_login_wait>recovered",
		},
		{
			name:      "human times out",
			relogin:   &stubRelogin{},
			escalator: &stubEscalator{waitErr: timeout},
			want:      Abandoned,
			wantTrail: "checking>needs_recovery>escalate>human_login_wait>abandoned",
		},
		{
			name:      "escalation unavailable",
			cred:      testCred,
			relogin:   &stubRelogin{err: ErrStillLoggedOut},
			escalator: &stubEscalator{startErr: ErrEscalationUnavailable},
			want:      Abandoned,
			wantTrail: "checking>needs_recovery>auto_relogin_attempted>escalate>abandoned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.NewPage("https://app.test/login", "Sign in")
			if tt.healthy {
				page.SetURL("https://app.test/")
			}

			c := NewCascade(&Checker{}, tt.relogin, tt.escalator, nil)
			out := c.Run(context.Background(), Env{Page: page, Credentials: tt.cred})

			if out.State != tt.want {
				t.Errorf("State = %s, want %s (reason %q)", out.State, tt.want, out.Reason)
			}
			if got := trail(out.Trail); got != tt.wantTrail {
				t.Errorf("Trail = %s, want %s", got, tt.wantTrail)
			}
			if tt.cred == nil && tt.relogin.attempts != 0 {
				t.Error("relogin attempted without credentials")
			}
			if tt.relogin.attempts > 1 || tt.escalator.starts > 1 {
				t.Error("each step must run at most once")
			}
		})
	}
}

func TestCascade_ReloginBeforeEscalation(t *testing.T) {
	var order []string
	esc := &stubEscalator{order: &order}
	wrapped := reloginFunc(func() error {
		order = append(order, "relogin")
		return ErrStillLoggedOut
	})

	page := browsertest.NewPage("https://app.test/login", "Sign in")
	out := NewCascade(&Checker{}, wrapped, esc, nil).Run(context.Background(), Env{Page: page, Credentials: testCred})

	if out.State != Recovered {
		t.Fatalf("State = %s", out.State)
	}
	if strings.Join(order, ",") != "relogin,escalate" {
		t.Errorf("order = %v", order)
	}
}

type reloginFunc func() error

func (f reloginFunc) Attempt(ctx context.Context, page browser.Page, cred *vault.Credentials, cfg *TargetConfig) error {
	return f()
}

func TestCascade_NoEscalator(t *testing.T) {
	page := browsertest.NewPage("https://app.test/login", "Sign in")
	out := NewCascade(&Checker{}, nil, nil, nil).Run(context.Background(), Env{Page: page})

	if out.State != Abandoned || out.Reason != "escalation disabled" {
		t.Errorf("outcome = %+v", out)
	}
}
