package discovery

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
)

// Technology is a detected framework, library or service.
type Technology struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	Confidence int    `json:"confidence"` // 0-100
	Evidence   string `json:"evidence"`
}

type htmlPattern struct {
	re         *regexp.Regexp
	name       string
	category   string
	confidence int
}

func pattern(expr, name, category string, confidence int) htmlPattern {
	return htmlPattern{re: regexp.MustCompile(`(?i)` + expr), name: name, category: category, confidence: confidence}
}

var htmlPatterns = []htmlPattern{
	// Frameworks
	pattern(`data-reactroot`, "React", "javascript-framework", 100),
	pattern(`__NEXT_DATA__|/_next/static/`, "Next.js", "javascript-framework", 100),
	pattern(`data-v-[0-9a-f]{6,}|v-cloak`, "Vue.js", "javascript-framework", 100),
	pattern(`__NUXT__|/_nuxt/`, "Nuxt.js", "javascript-framework", 100),
	pattern(`ng-version`, "Angular", "javascript-framework", 100),
	pattern(`ng-app|ng-controller`, "AngularJS", "javascript-framework", 100),
	pattern(`svelte-[a-z0-9]{5,}|__sveltekit`, "Svelte", "javascript-framework", 90),
	pattern(`data-ember|ember-view`, "Ember.js", "javascript-framework", 100),
	pattern(`jquery`, "jQuery", "javascript-library", 80),
	pattern(`tailwind`, "Tailwind CSS", "css-framework", 80),
	pattern(`bootstrap(\.min)?\.css`, "Bootstrap", "css-framework", 100),

	// Web3
	pattern(`ethers(\.min)?\.js|ethers@|ethers\.umd`, "ethers.js", "web3", 90),
	pattern(`web3(\.min)?\.js|web3@`, "web3.js", "web3", 90),
	pattern(`wagmi`, "wagmi", "web3", 80),
	pattern(`viem`, "viem", "web3", 70),
	pattern(`walletconnect|w3m-modal|wcm-modal`, "WalletConnect", "web3", 90),
	pattern(`rainbowkit|data-rk`, "RainbowKit", "web3", 90),
	pattern(`metamask`, "MetaMask", "web3", 70),
	pattern(`coinbase\s*wallet|coinbasewallet`, "Coinbase Wallet", "web3", 70),

	// Analytics
	pattern(`google-analytics\.com|gtag\(`, "Google Analytics", "analytics", 100),
	pattern(`googletagmanager\.com`, "Google Tag Manager", "analytics", 100),
	pattern(`hotjar\.com`, "Hotjar", "analytics", 100),
	pattern(`mixpanel\.com`, "Mixpanel", "analytics", 100),
	pattern(`segment\.(com|io)/analytics`, "Segment", "analytics", 100),
	pattern(`plausible\.io`, "Plausible", "analytics", 100),

	// Support
	pattern(`intercom`, "Intercom", "support", 90),
	pattern(`crisp\.chat`, "Crisp", "support", 100),
	pattern(`zendesk`, "Zendesk", "support", 90),

	// Security and infrastructure
	pattern(`recaptcha`, "reCAPTCHA", "security", 100),
	pattern(`hcaptcha`, "hCaptcha", "security", 100),
	pattern(`challenges\.cloudflare\.com/turnstile|cf-turnstile`, "Cloudflare Turnstile", "security", 100),
	pattern(`cloudflare|cdn-cgi`, "Cloudflare", "cdn", 80),
	pattern(`stripe\.com`, "Stripe", "payment", 100),
	pattern(`sentry(-cdn)?\.io|@sentry`, "Sentry", "monitoring", 90),
}

var cookiePatterns = map[string]Technology{
	"__cf_bm":        {Name: "Cloudflare", Category: "cdn", Confidence: 100},
	"cf_clearance":   {Name: "Cloudflare", Category: "cdn", Confidence: 100},
	"_ga":            {Name: "Google Analytics", Category: "analytics", Confidence: 100},
	"_gid":           {Name: "Google Analytics", Category: "analytics", Confidence: 100},
	"_fbp":           {Name: "Facebook Pixel", Category: "analytics", Confidence: 100},
	"_hjSessionUser": {Name: "Hotjar", Category: "analytics", Confidence: 100},
	"mp_":            {Name: "Mixpanel", Category: "analytics", Confidence: 90},
	"intercom-id":    {Name: "Intercom", Category: "support", Confidence: 100},
	"__stripe_mid":   {Name: "Stripe", Category: "payment", Confidence: 100},
	"connect.sid":    {Name: "Express", Category: "framework", Confidence: 90},
	"XSRF-TOKEN":     {Name: "Laravel/Angular", Category: "framework", Confidence: 70},
}

var generatorRe = regexp.MustCompile(`(?i)<meta[^>]+name=["']generator["'][^>]+content=["']([^"']+)["']`)

// DetectTechnologies fingerprints the rendered html and cookies. Each
// technology is reported once, at its highest confidence.
func DetectTechnologies(html string, cookies []browser.Cookie) []Technology {
	found := make(map[string]Technology)
	add := func(t Technology) {
		if prev, ok := found[t.Name]; !ok || t.Confidence > prev.Confidence {
			found[t.Name] = t
		}
	}

	for _, p := range htmlPatterns {
		if m := p.re.FindString(html); m != "" {
			add(Technology{Name: p.name, Category: p.category, Confidence: p.confidence, Evidence: "HTML pattern: " + m})
		}
	}

	for _, c := range cookies {
		tech, ok := cookiePatterns[c.Name]
		if !ok {
			// Prefix cookies such as mp_<token>_mixpanel.
			for prefix, t := range cookiePatterns {
				if strings.HasSuffix(prefix, "_") && strings.HasPrefix(c.Name, prefix) {
					tech, ok = t, true
					break
				}
			}
		}
		if ok {
			tech.Evidence = c.Name + " cookie"
			add(tech)
		}
	}

	if m := generatorRe.FindStringSubmatch(html); m != nil {
		add(Technology{Name: strings.TrimSpace(m[1]), Category: "cms", Confidence: 100, Evidence: "Meta generator tag"})
	}

	out := make([]Technology, 0, len(found))
	for _, t := range found {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TechNames returns the names of techs in order.
func TechNames(techs []Technology) []string {
	names := make([]string, len(techs))
	for i, t := range techs {
		names[i] = t.Name
	}
	return names
}
