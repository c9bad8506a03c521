package discovery

import (
	"context"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
)

// Performance is a navigation-timing sample of the landing page, in
// milliseconds.
type Performance struct {
	TTFB             float64 `json:"ttfb"`
	DOMContentLoaded float64 `json:"domContentLoaded"`
	Load             float64 `json:"load"`
	TransferSize     int     `json:"transferSize"`
	ResourceCount    int     `json:"resourceCount"`
}

const performanceJS = `() => {
	const nav = performance.getEntriesByType('navigation')[0];
	if (!nav) return null;
	return {
		ttfb: nav.responseStart - nav.requestStart,
		domContentLoaded: nav.domContentLoadedEventEnd - nav.startTime,
		load: nav.loadEventEnd - nav.startTime,
		transferSize: nav.transferSize || 0,
		resourceCount: performance.getEntriesByType('resource').length,
	};
}`

// SamplePerformance reads navigation timing from page. It returns nil when
// the browser has no navigation entry or evaluation fails.
func SamplePerformance(ctx context.Context, page browser.Page) *Performance {
	res, err := page.Eval(ctx, performanceJS)
	if err != nil || res.Nil() {
		return nil
	}
	return &Performance{
		TTFB:             res.Get("ttfb").Num(),
		DOMContentLoaded: res.Get("domContentLoaded").Num(),
		Load:             res.Get("load").Num(),
		TransferSize:     res.Get("transferSize").Int(),
		ResourceCount:    res.Get("resourceCount").Int(),
	}
}
