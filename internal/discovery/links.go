// Package discovery reads a rendered page: its in-scope links, its copy,
// the technologies it runs on and how fast it loaded.
package discovery

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/PentesterFlow/ScreenCrawler/internal/state"
)

// Scope decides which links belong to the target.
type Scope string

const (
	// ScopeOrigin keeps links on the exact scheme and host.
	ScopeOrigin Scope = "origin"
	// ScopeSite also keeps sibling subdomains of the registrable domain
	// (app.example.com and docs.example.com).
	ScopeSite Scope = "site"
)

// Link is a discovered in-scope link.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Links partitions discovered links; navigation links are visited first.
type Links struct {
	Nav  []Link `json:"nav"`
	Body []Link `json:"body"`
}

// All returns nav links then body links.
func (l Links) All() []Link {
	return append(append([]Link(nil), l.Nav...), l.Body...)
}

// Len returns the number of links.
func (l Links) Len() int { return len(l.Nav) + len(l.Body) }

const navContainers = "nav, header, [role=navigation], [role=menubar]"

var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true,
	".css": true, ".js": true, ".mjs": true, ".map": true, ".json": true, ".xml": true, ".txt": true,
	".pdf": true, ".zip": true, ".gz": true, ".dmg": true, ".exe": true, ".apk": true,
	".mp4": true, ".webm": true, ".mp3": true, ".woff": true, ".woff2": true, ".ttf": true,
}

var excludedPathPrefixes = []string{
	"/api/", "/graphql", "/rpc", "/_next/", "/static/", "/assets/", "/cdn-cgi/", "/wp-json/",
}

// Never follow links that end the session being crawled.
var sessionEnders = []string{"logout", "log-out", "signout", "sign-out"}

// ExtractLinks parses rendered html and returns the in-scope links,
// deduplicated by normalized URL, excluding pageURL itself.
func ExtractLinks(html, pageURL string, scope Scope) (Links, error) {
	var out Links
	base, err := url.Parse(pageURL)
	if err != nil {
		return out, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out, err
	}

	seen := map[string]bool{state.NormalizeURL(pageURL): true}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, ok := resolve(base, href)
		if !ok || !InScope(base, u, scope) || Excluded(u) {
			return
		}
		key := state.NormalizeURL(u.String())
		if seen[key] {
			return
		}
		seen[key] = true

		link := Link{URL: key, Text: collapse(s.Text())}
		if s.Closest(navContainers).Length() > 0 {
			out.Nav = append(out.Nav, link)
		} else {
			out.Body = append(out.Body, link)
		}
	})
	return out, nil
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	// Plain in-page anchors are not new pages; hash routes are.
	if href == "" || (strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "#/") && !strings.HasPrefix(href, "#!/")) {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

// InScope reports whether u belongs to the same target as base.
func InScope(base, u *url.URL, scope Scope) bool {
	if strings.EqualFold(u.Hostname(), base.Hostname()) {
		return scope == ScopeSite || (u.Scheme == base.Scheme && u.Port() == base.Port())
	}
	if scope != ScopeSite {
		return false
	}
	a, errA := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(base.Hostname()))
	b, errB := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	return errA == nil && errB == nil && a == b
}

// Excluded reports whether u looks like an asset, an API endpoint or a
// sign-out link.
func Excluded(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	if assetExtensions[path.Ext(p)] {
		return true
	}
	for _, prefix := range excludedPathPrefixes {
		if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	for _, end := range sessionEnders {
		if strings.Contains(p, end) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
