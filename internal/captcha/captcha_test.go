package captcha

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser/browsertest"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
)

// =============================================================================
// Detection Tests
// =============================================================================

func TestKind_TaskType(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Turnstile, "AntiTurnstileTaskProxyLess"},
		{RecaptchaV2, "ReCaptchaV2TaskProxyLess"},
		{HCaptcha, "HCaptchaTaskProxyLess"},
		{RecaptchaV3, "ReCaptchaV3TaskProxyLess"},
		{Kind("funcaptcha"), ""},
	}
	for _, tt := range tests {
		if got := tt.kind.TaskType(); got != tt.want {
			t.Errorf("%s.TaskType() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestDetect(t *testing.T) {
	page := browsertest.NewPage("https://app.example.com/login", "Login")
	page.EvalFunc = func(p *browsertest.Page, js string, args ...interface{}) (interface{}, error) {
		if strings.Contains(js, "grecaptcha-badge") {
			return map[string]interface{}{
				"kind": "turnstile", "sitekey": "0x4AAA", "action": "login", "callback": "onDone",
			}, nil
		}
		return nil, nil
	}

	ch, ok := Detect(context.Background(), page)
	if !ok {
		t.Fatal("Detect() found nothing")
	}
	if ch.Kind != Turnstile || ch.SiteKey != "0x4AAA" || ch.Callback != "onDone" || ch.Action != "login" {
		t.Errorf("challenge = %+v", ch)
	}
	if ch.PageURL != "https://app.example.com/login" {
		t.Errorf("PageURL = %q", ch.PageURL)
	}
}

func TestDetect_None(t *testing.T) {
	page := browsertest.NewPage("https://app.example.com/", "App")
	if _, ok := Detect(context.Background(), page); ok {
		t.Error("Detect() should report nothing on a clean page")
	}

	page.EvalFunc = func(p *browsertest.Page, js string, args ...interface{}) (interface{}, error) {
		return map[string]interface{}{"kind": "arkose"}, nil
	}
	if _, ok := Detect(context.Background(), page); ok {
		t.Error("Detect() should ignore unsupported kinds")
	}
}

// =============================================================================
// Solver Tests
// =============================================================================

type fakeSolver struct {
	mu          sync.Mutex
	creates     []createTaskRequest
	polls       int
	readyAfter  int
	createError bool
	status      string
}

func (f *fakeSolver) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/createTask", func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.creates = append(f.creates, req)
		fail := f.createError
		f.mu.Unlock()
		if fail {
			_, _ = w.Write([]byte(`{"errorId":1,"errorCode":"ERROR_ZERO_BALANCE","errorDescription":"no funds"}`))
			return
		}
		_, _ = w.Write([]byte(`{"errorId":0,"taskId":4242}`))
	})
	mux.HandleFunc("/getTaskResult", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		n, ready, status := f.polls, f.readyAfter, f.status
		f.mu.Unlock()
		switch {
		case status == "failed":
			_, _ = w.Write([]byte(`{"errorId":0,"status":"failed"}`))
		case ready > 0 && n >= ready:
			_, _ = w.Write([]byte(`{"errorId":0,"status":"ready","solution":{"token":"tok-123"}}`))
		default:
			_, _ = w.Write([]byte(`{"errorId":0,"status":"processing"}`))
		}
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeSolver) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:       "key",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Deadline:     time.Second,
		MinScore:     0.7,
	}, nil)
}

func injectingPage() (*browsertest.Page, *[]interface{}) {
	var injected []interface{}
	page := browsertest.NewPage("https://app.example.com/login", "Login")
	page.EvalFunc = func(p *browsertest.Page, js string, args ...interface{}) (interface{}, error) {
		if strings.Contains(js, "dispatchEvent") {
			injected = args
			return map[string]interface{}{"filled": 1, "called": true}, nil
		}
		return nil, nil
	}
	return page, &injected
}

func TestClient_Solve(t *testing.T) {
	f := &fakeSolver{readyAfter: 2}
	c := newTestClient(t, f)
	page, injected := injectingPage()

	ch := &Challenge{Kind: Turnstile, SiteKey: "0x4AAA", Callback: "onDone"}
	if err := c.Solve(context.Background(), page, ch); err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	if len(f.creates) != 1 {
		t.Fatalf("createTask calls = %d", len(f.creates))
	}
	task := f.creates[0].Task
	if task.Type != "AntiTurnstileTaskProxyLess" || task.WebsiteKey != "0x4AAA" || task.WebsiteURL != "https://app.example.com/login" {
		t.Errorf("task = %+v", task)
	}
	if f.creates[0].ClientKey != "key" {
		t.Errorf("clientKey = %q", f.creates[0].ClientKey)
	}
	if f.polls < 2 {
		t.Errorf("polls = %d, want >= 2", f.polls)
	}
	if len(*injected) != 3 || (*injected)[1] != "tok-123" || (*injected)[2] != "onDone" {
		t.Errorf("inject args = %v", *injected)
	}
}

func TestClient_CreateTask_V3Fields(t *testing.T) {
	f := &fakeSolver{}
	c := newTestClient(t, f)

	task, err := c.CreateTask(context.Background(), &Challenge{Kind: RecaptchaV3, SiteKey: "6Lc"}, "https://x.test/")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.ID != "4242" {
		t.Errorf("numeric task id = %q, want 4242", task.ID)
	}
	got := f.creates[0].Task
	if got.PageAction != "verify" || got.MinScore != 0.7 {
		t.Errorf("v3 payload = %+v", got)
	}
}

func TestClient_Solve_Preconditions(t *testing.T) {
	page, _ := injectingPage()

	c := NewClient(Config{}, nil)
	err := c.Solve(context.Background(), page, &Challenge{Kind: HCaptcha, SiteKey: "abc"})
	if !stderrors.Is(err, ErrNoAPIKey) || !errors.IsType(err, errors.Captcha) {
		t.Errorf("no key err = %v", err)
	}

	c = NewClient(Config{APIKey: "key"}, nil)
	err = c.Solve(context.Background(), page, &Challenge{Kind: HCaptcha})
	if !stderrors.Is(err, ErrNoSiteKey) {
		t.Errorf("no sitekey err = %v", err)
	}
}

func TestClient_Solve_TaskFailed(t *testing.T) {
	f := &fakeSolver{status: "failed"}
	c := newTestClient(t, f)
	page, injected := injectingPage()

	err := c.Solve(context.Background(), page, &Challenge{Kind: RecaptchaV2, SiteKey: "6Lc"})
	if !stderrors.Is(err, ErrTaskFailed) {
		t.Errorf("err = %v, want ErrTaskFailed", err)
	}
	if len(*injected) != 0 {
		t.Error("nothing should be injected after a failed task")
	}
}

func TestClient_Solve_Timeout(t *testing.T) {
	f := &fakeSolver{}
	c := newTestClient(t, f)
	c.config.Deadline = 40 * time.Millisecond
	page, _ := injectingPage()

	err := c.Solve(context.Background(), page, &Challenge{Kind: RecaptchaV2, SiteKey: "6Lc"})
	if !errors.IsType(err, errors.Captcha) {
		t.Fatalf("err = %v, want Captcha error", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout message", err)
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	f := &fakeSolver{createError: true}
	c := newTestClient(t, f)
	page, _ := injectingPage()
	ch := &Challenge{Kind: Turnstile, SiteKey: "0x4AAA"}

	for i := 0; i < 3; i++ {
		if err := c.Solve(context.Background(), page, ch); err == nil {
			t.Fatal("Solve() should fail while the account has no balance")
		}
	}
	err := c.Solve(context.Background(), page, ch)
	if !stderrors.Is(err, ErrServiceUnavailable) {
		t.Errorf("err = %v, want ErrServiceUnavailable", err)
	}
	if len(f.creates) != 3 {
		t.Errorf("createTask calls = %d, want 3", len(f.creates))
	}
}
