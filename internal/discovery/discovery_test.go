package discovery

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"testing"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser/browsertest"
)

const landingHTML = `<!doctype html>
<html><head>
<title>Aave - Open Source Liquidity Protocol</title>
<meta name="description" content="Earn interest, borrow assets.">
<meta name="generator" content="Docusaurus v2">
<script id="__NEXT_DATA__" type="application/json">{}</script>
<script src="https://www.googletagmanager.com/gtag/js"></script>
</head><body>
<header><nav>
  <a href="/markets">Markets</a>
  <a href="/governance">Governance</a>
  <a href="#top">Top</a>
</nav></header>
<main>
  <h1>  Aave   Protocol </h1>
  <p>Earn interest and borrow assets.</p>
  <button>Launch App</button>
  <a class="btn-primary" href="/docs">Read docs</a>
  <a href="/markets?ref=hero">Markets again</a>
  <a href="/#/pools">Pools</a>
  <a href="/logout">Log out</a>
  <a href="/api/v1/reserves">API</a>
  <a href="/static/logo.png">Logo</a>
  <a href="https://docs.aave.com/faq">FAQ</a>
  <a href="https://twitter.com/aave">Twitter</a>
  <a href="mailto:hi@aave.com">Mail</a>
  <a href="/">Home</a>
</main>
</body></html>`

// =============================================================================
// Link Discovery Tests
// =============================================================================

func TestExtractLinks(t *testing.T) {
	links, err := ExtractLinks(landingHTML, "https://app.aave.com/", ScopeOrigin)
	if err != nil {
		t.Fatalf("ExtractLinks() error = %v", err)
	}

	var nav []string
	for _, l := range links.Nav {
		nav = append(nav, l.URL)
	}
	if len(nav) != 2 || !strings.HasSuffix(nav[0], "/markets") || !strings.HasSuffix(nav[1], "/governance") {
		t.Errorf("nav = %v", nav)
	}

	var body []string
	for _, l := range links.Body {
		body = append(body, l.URL)
	}
	joined := strings.Join(body, " ")
	if !strings.Contains(joined, "/docs") || !strings.Contains(joined, "#/pools") {
		t.Errorf("body = %v", body)
	}
	for _, bad := range []string{"logout", "/api/", "logo.png", "twitter", "mailto", "docs.aave.com"} {
		if strings.Contains(joined, bad) {
			t.Errorf("body should not contain %q: %v", bad, body)
		}
	}
	if links.Len() != len(links.All()) {
		t.Errorf("Len() = %d, All() = %d", links.Len(), len(links.All()))
	}
	if links.All()[0].Text != "Markets" {
		t.Errorf("nav links come first, got %+v", links.All()[0])
	}
}

func TestExtractLinks_SiteScope(t *testing.T) {
	links, err := ExtractLinks(landingHTML, "https://app.aave.com/", ScopeSite)
	if err != nil {
		t.Fatalf("ExtractLinks() error = %v", err)
	}
	found := false
	for _, l := range links.All() {
		if strings.Contains(l.URL, "docs.aave.com") {
			found = true
		}
	}
	if !found {
		t.Error("site scope should keep sibling subdomains")
	}
}

func TestInScope(t *testing.T) {
	base, _ := url.Parse("https://app.example.com/")
	tests := []struct {
		name  string
		raw   string
		scope Scope
		want  bool
	}{
		{"same origin", "https://app.example.com/x", ScopeOrigin, true},
		{"other scheme", "http://app.example.com/x", ScopeOrigin, false},
		{"sibling origin scope", "https://docs.example.com/", ScopeOrigin, false},
		{"sibling site scope", "https://docs.example.com/", ScopeSite, true},
		{"foreign site", "https://example.org/", ScopeSite, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.raw)
			if got := InScope(base, u, tt.scope); got != tt.want {
				t.Errorf("InScope(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"https://a.test/markets", false},
		{"https://a.test/bundle.js", true},
		{"https://a.test/graphql", true},
		{"https://a.test/api/users", true},
		{"https://a.test/account/sign-out", true},
		{"https://a.test/apiary", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := Excluded(u); got != tt.want {
			t.Errorf("Excluded(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

// =============================================================================
// Copy Tests
// =============================================================================

func TestExtractCopy(t *testing.T) {
	c, err := ExtractCopy(landingHTML)
	if err != nil {
		t.Fatalf("ExtractCopy() error = %v", err)
	}
	if c.Title != "Aave - Open Source Liquidity Protocol" {
		t.Errorf("Title = %q", c.Title)
	}
	if c.Headline != "Aave Protocol" {
		t.Errorf("Headline = %q", c.Headline)
	}
	if c.Subheadline != "Earn interest and borrow assets." {
		t.Errorf("Subheadline = %q", c.Subheadline)
	}
	if c.MetaDescription != "Earn interest, borrow assets." {
		t.Errorf("MetaDescription = %q", c.MetaDescription)
	}
	if len(c.CTAs) != 2 || c.CTAs[0] != "Launch App" || c.CTAs[1] != "Read docs" {
		t.Errorf("CTAs = %v", c.CTAs)
	}
	if len(c.Navigation) != 3 || c.Navigation[0] != "Markets" {
		t.Errorf("Navigation = %v", c.Navigation)
	}
}

// =============================================================================
// Technology Tests
// =============================================================================

func TestDetectTechnologies(t *testing.T) {
	html := landingHTML + `<div data-rk=""><w3m-modal></w3m-modal></div>`
	cookies := []browser.Cookie{{Name: "__cf_bm"}, {Name: "mp_abc_mixpanel"}, {Name: "unrelated"}}

	techs := DetectTechnologies(html, cookies)
	names := map[string]Technology{}
	for _, tech := range techs {
		if _, dup := names[tech.Name]; dup {
			t.Errorf("%s reported twice", tech.Name)
		}
		names[tech.Name] = tech
	}

	for _, want := range []string{"Next.js", "Google Tag Manager", "RainbowKit", "WalletConnect", "Cloudflare", "Mixpanel", "Docusaurus v2"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing %s in %v", want, TechNames(techs))
		}
	}
	if names["Cloudflare"].Evidence != "__cf_bm cookie" {
		t.Errorf("Cloudflare evidence = %q", names["Cloudflare"].Evidence)
	}
	for i := 1; i < len(techs); i++ {
		if techs[i].Confidence > techs[i-1].Confidence {
			t.Fatal("technologies must be sorted by confidence")
		}
	}
}

func TestDetectTechnologies_Empty(t *testing.T) {
	if techs := DetectTechnologies("<html><body>plain</body></html>", nil); len(techs) != 0 {
		t.Errorf("expected nothing, got %v", TechNames(techs))
	}
}

// =============================================================================
// Performance Tests
// =============================================================================

func TestSamplePerformance(t *testing.T) {
	p := browsertest.NewPage("https://a.test/", "A")
	p.EvalFunc = browsertest.EvalContains(map[string]interface{}{
		"getEntriesByType": map[string]interface{}{
			"ttfb": 120.5, "domContentLoaded": 800.0, "load": 1500.0, "transferSize": 20480.0, "resourceCount": 42.0,
		},
	})

	perf := SamplePerformance(context.Background(), p)
	if perf == nil {
		t.Fatal("expected a sample")
	}
	if perf.TTFB != 120.5 || perf.Load != 1500 || perf.ResourceCount != 42 || perf.TransferSize != 20480 {
		t.Errorf("perf = %+v", perf)
	}

	if SamplePerformance(context.Background(), browsertest.NewPage("https://a.test/", "A")) != nil {
		t.Error("missing navigation entry should give nil")
	}
}

// =============================================================================
// Common Path Tests
// =============================================================================

func TestProbeURLs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	public, err := ProbeURLs("https://app.test/en/home?x=1", false, rng)
	if err != nil {
		t.Fatalf("ProbeURLs() error = %v", err)
	}
	if len(public) != len(CommonPaths)+1 {
		t.Errorf("len = %d", len(public))
	}
	if public[0] != "https://app.test/settings" {
		t.Errorf("first = %s", public[0])
	}
	if !strings.HasPrefix(public[len(public)-1], "https://app.test/this-page-does-not-exist-") {
		t.Errorf("last = %s", public[len(public)-1])
	}

	authed, _ := ProbeURLs("https://app.test/", true, rng)
	if len(authed) != len(CommonPaths)+len(AuthPaths)+1 {
		t.Errorf("authed len = %d", len(authed))
	}
}
