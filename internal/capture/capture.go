// Package capture takes screenshots under a per-crawl budget and drops
// states that were already captured.
package capture

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
)

// Digest lengths and excerpt size.
const (
	HashLength     = 12
	ExcerptLength  = 500
	maxActionChars = 50
)

// Tags describe why a capture was taken.
type Tags struct {
	Action  string
	Context string
	// Force bypasses the dedup gate, e.g. an overlay shot before dismissal.
	// Forced captures do not record hashes.
	Force bool
}

// Entry is one accepted capture.
type Entry struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Action   string `json:"action"`
	Context  string `json:"context"`
}

// Fingerprint is the text used to recognize a page state.
type Fingerprint struct {
	Title   string
	Excerpt string
}

// ContentHash identifies a state regardless of URL, catching identical
// pages served at different paths (custom 404s).
func ContentHash(fp Fingerprint) string {
	return digest(fp.Title + "|" + fp.Excerpt)
}

// StateHash identifies a state at a URL with query and fragment removed,
// catching different content at the same address (SPA states).
func StateHash(rawURL string, fp Fingerprint) string {
	return digest(state.StripQueryAndFragment(rawURL) + "|" + fp.Title + "|" + fp.Excerpt)
}

func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:HashLength]
}

const fingerprintJS = `(limit) => {
	const root = document.querySelector('main, [role=main]') || document.body;
	if (!root) return '';
	const clone = root.cloneNode(true);
	clone.querySelectorAll('script, style, noscript, svg, iframe, template').forEach(el => el.remove());
	const text = (clone.innerText || clone.textContent || '').replace(/\s+/g, ' ').trim();
	return text.substring(0, limit);
}`

// TakeFingerprint reads the title and main-content excerpt of page. An
// evaluation failure leaves the excerpt empty.
func TakeFingerprint(ctx context.Context, page browser.Page) Fingerprint {
	fp := Fingerprint{Title: strings.TrimSpace(page.Title())}
	if res, err := page.Eval(ctx, fingerprintJS, ExcerptLength); err == nil {
		fp.Excerpt = normalizeText(res.Str())
	}
	return fp
}

func normalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > ExcerptLength {
		s = string(r[:ExcerptLength])
	}
	return s
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeAction turns an action tag into a filename fragment.
func SanitizeAction(action string) string {
	s := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(action), "-"), "-")
	if len(s) > maxActionChars {
		s = strings.TrimRight(s[:maxActionChars], "-")
	}
	if s == "" {
		s = "screen"
	}
	return s
}

// Engine captures screenshots for one target. It is owned by a single
// crawl and discarded afterwards.
type Engine struct {
	slug    string
	dir     string
	max     int
	content *state.Deduplicator
	states  *state.Deduplicator
	entries []Entry
	log     *logger.Logger
}

// NewEngine creates an Engine writing into dir with a ceiling of max
// screenshots.
func NewEngine(slug, dir string, max int, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		slug:    slug,
		dir:     dir,
		max:     max,
		content: state.NewDeduplicator(max * 4),
		states:  state.NewDeduplicator(max * 4),
		log:     log.WithComponent("capture").WithTarget(slug),
	}
}

// Capture screenshots page unless the ceiling is reached or the state was
// already captured; both cases return nil, nil.
func (e *Engine) Capture(ctx context.Context, page browser.Page, tags Tags) (*Entry, error) {
	url := page.URL()
	if e.Full() {
		e.log.SkipEvent(url, "screenshot ceiling reached")
		return nil, nil
	}

	var contentHash, stateHash string
	if !tags.Force {
		fp := TakeFingerprint(ctx, page)
		contentHash, stateHash = ContentHash(fp), StateHash(url, fp)
		if e.content.HasSeen(contentHash) {
			e.log.SkipEvent(url, "duplicate content "+contentHash)
			return nil, nil
		}
		if e.states.HasSeen(stateHash) {
			e.log.SkipEvent(url, "duplicate state "+stateHash)
			return nil, nil
		}
	}

	data, err := page.Screenshot(ctx)
	if err != nil {
		return nil, errors.NewCaptureError(url, "screenshot", err)
	}

	index := len(e.entries) + 1
	filename := fmt.Sprintf("%s-%03d-%s.png", e.slug, index, SanitizeAction(tags.Action))
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, errors.NewCaptureError(url, "create screenshot dir", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, filename), data, 0o644); err != nil {
		return nil, errors.NewCaptureError(url, "write screenshot", err)
	}

	if !tags.Force {
		e.content.Add(contentHash)
		e.states.Add(stateHash)
	}

	entry := Entry{Index: index, Filename: filename, URL: url, Action: tags.Action, Context: tags.Context}
	e.entries = append(e.entries, entry)
	e.log.CaptureEvent(index, tags.Action, url)
	return &entry, nil
}

// Full reports whether the ceiling has been reached.
func (e *Engine) Full() bool {
	return e.max > 0 && len(e.entries) >= e.max
}

// Count returns the number of accepted captures.
func (e *Engine) Count() int { return len(e.entries) }

// Remaining returns how many captures the budget still allows.
func (e *Engine) Remaining() int {
	if e.max <= 0 {
		return -1
	}
	return e.max - len(e.entries)
}

// States returns the number of distinct states recorded.
func (e *Engine) States() int { return e.states.Count() }

// Entries returns the captures in order.
func (e *Engine) Entries() []Entry {
	return append([]Entry(nil), e.entries...)
}
