package discovery

import (
	"fmt"
	"math/rand"
	"net/url"
)

// CommonPaths are probed on every target after link discovery.
var CommonPaths = []string{
	"/settings", "/help", "/faq", "/support", "/swap", "/trade",
	"/dashboard", "/portfolio", "/about", "/docs", "/terms", "/privacy",
}

// AuthPaths are probed only when the crawl is authenticated.
var AuthPaths = []string{
	"/account", "/profile", "/wallet", "/orders", "/history", "/security", "/notifications",
}

// NotFoundProbe returns a path that should not exist, so the target's
// 404 page gets captured once.
func NotFoundProbe(rng *rand.Rand) string {
	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}
	return fmt.Sprintf("/this-page-does-not-exist-%d", intn(1000000))
}

// ProbeURLs resolves the common paths (and the auth paths when
// authenticated) against the origin of base, followed by the 404 probe.
func ProbeURLs(base string, authenticated bool, rng *rand.Rand) ([]string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	paths := append([]string(nil), CommonPaths...)
	if authenticated {
		paths = append(paths, AuthPaths...)
	}
	paths = append(paths, NotFoundProbe(rng))

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		ref := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: p}
		out = append(out, ref.String())
	}
	return out, nil
}
