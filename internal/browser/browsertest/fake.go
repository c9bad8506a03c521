// Package browsertest provides scriptable in-memory implementations of the
// browser interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ysmood/gson"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
)

// ErrNotVisible is returned by Fill and Click on selectors that are not visible.
var ErrNotVisible = errors.New("element not visible")

// Page is a fake browser.Page. Visibility is keyed by the exact selector
// string callers pass in; hooks let a test change page state in response
// to navigation, clicks and key presses.
type Page struct {
	mu sync.Mutex

	url     string
	title   string
	html    string
	visible map[string]int
	cookies []browser.Cookie

	Navigations []string
	Waits       []browser.WaitCondition
	Clicks      []string
	Fills       map[string]string
	Pressed     []browser.Key
	Scrolls     int
	Reloads     int
	Closed      bool

	// NavigateFunc runs instead of the default navigation when set.
	NavigateFunc func(p *Page, url string, wait browser.WaitCondition) error
	// OnClick hooks fire after a click on the matching selector.
	OnClick map[string]func(p *Page)
	// OnPress hooks fire after a key press.
	OnPress map[browser.Key]func(p *Page)
	// EvalFunc answers Eval; the default returns null.
	EvalFunc func(p *Page, js string, args ...interface{}) (interface{}, error)

	ScreenshotData []byte
	ScreenshotErr  error
}

// NewPage creates a fake page at url.
func NewPage(url, title string) *Page {
	return &Page{
		url:            url,
		title:          title,
		visible:        make(map[string]int),
		Fills:          make(map[string]string),
		OnClick:        make(map[string]func(p *Page)),
		OnPress:        make(map[browser.Key]func(p *Page)),
		ScreenshotData: []byte("\x89PNG fake"),
	}
}

// SetURL moves the page without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetTitle changes the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetHTML sets the document returned by HTML.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

// Show marks selectors visible (one match each).
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.visible[s] = 1
	}
}

// ShowN marks selector visible with n matches.
func (p *Page) ShowN(selector string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible[selector] = n
}

// Hide marks selectors invisible.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.visible, s)
	}
}

// HideAll clears every visible selector.
func (p *Page) HideAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = make(map[string]int)
}

// ClickCount returns how many times selector was clicked.
func (p *Page) ClickCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Clicks {
		if c == selector {
			n++
		}
	}
	return n
}

// Filled returns the value last filled into selector.
func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Fills[selector]
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *Page) Navigate(ctx context.Context, url string, wait browser.WaitCondition) error {
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.Waits = append(p.Waits, wait)
	fn := p.NavigateFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(p, url, wait)
	}
	p.SetURL(url)
	return nil
}

func (p *Page) Reload(ctx context.Context, wait browser.WaitCondition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reloads++
	return nil
}

func (p *Page) isVisible(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector] > 0
}

func (p *Page) Visible(ctx context.Context, selector string, timeout time.Duration) bool {
	_, ok := p.FirstVisible(ctx, []string{selector}, timeout)
	return ok
}

// FirstVisible polls until a selector becomes visible, so tests can flip
// visibility from another goroutine or a hook.
func (p *Page) FirstVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for _, s := range selectors {
			if p.isVisible(s) {
				return s, true
			}
		}
		if timeout <= 0 || time.Now().After(deadline) || ctx.Err() != nil {
			return "", false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *Page) VisibleCount(ctx context.Context, selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector]
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if !p.isVisible(selector) {
		return fmt.Errorf("fill %s: %w", selector, ErrNotVisible)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Fills[selector] = value
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.ClickNth(ctx, selector, 0)
}

func (p *Page) ClickNth(ctx context.Context, selector string, n int) error {
	p.mu.Lock()
	count := p.visible[selector]
	p.mu.Unlock()
	if count <= n {
		return fmt.Errorf("click %s[%d]: %w", selector, n, ErrNotVisible)
	}

	p.mu.Lock()
	p.Clicks = append(p.Clicks, selector)
	hook := p.OnClick[selector]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Press(ctx context.Context, key browser.Key) error {
	p.mu.Lock()
	p.Pressed = append(p.Pressed, key)
	hook := p.OnPress[key]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Scroll(ctx context.Context, deltaY float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scrolls++
	return nil
}

func (p *Page) Eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	p.mu.Lock()
	fn := p.EvalFunc
	p.mu.Unlock()

	if fn == nil {
		return gson.New(nil), nil
	}
	v, err := fn(p, js, args...)
	if err != nil {
		return gson.New(nil), err
	}
	return gson.New(v), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return p.ScreenshotData, nil
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// EvalContains is an EvalFunc helper that answers the first script
// containing a key with its value.
func EvalContains(answers map[string]interface{}) func(p *Page, js string, args ...interface{}) (interface{}, error) {
	return func(p *Page, js string, args ...interface{}) (interface{}, error) {
		for k, v := range answers {
			if strings.Contains(js, k) {
				return v, nil
			}
		}
		return nil, nil
	}
}

// Session is a fake browser.Session.
type Session struct {
	page   *Page
	popups chan browser.Page
	Closed bool
	mu     sync.Mutex
}

// NewSession wraps page.
func NewSession(page *Page) *Session {
	return &Session{page: page, popups: make(chan browser.Page, 8)}
}

// OpenPopup simulates a new window opened by the page.
func (s *Session) OpenPopup(p browser.Page) {
	s.popups <- p
}

func (s *Session) Page() browser.Page { return s.page }

func (s *Session) Popups(ctx context.Context) <-chan browser.Page {
	out := make(chan browser.Page)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-s.popups:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// Launcher is a fake browser.Launcher handing out prepared sessions.
type Launcher struct {
	mu       sync.Mutex
	sessions []*Session
	Launches []browser.LaunchOptions
	Err      error
}

// NewLauncher returns sessions in order; the last one is reused.
func NewLauncher(sessions ...*Session) *Launcher {
	return &Launcher{sessions: sessions}
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches = append(l.Launches, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	if len(l.sessions) == 0 {
		return nil, errors.New("no fake sessions prepared")
	}
	s := l.sessions[0]
	if len(l.sessions) > 1 {
		l.sessions = l.sessions[1:]
	}
	return s, nil
}

// LaunchCount returns how many sessions were launched.
func (l *Launcher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launches)
}

var (
	_ browser.Page     = (*Page)(nil)
	_ browser.Session  = (*Session)(nil)
	_ browser.Launcher = (*Launcher)(nil)
)
