package crawler

import (
	"context"
	"os"

	"github.com/PentesterFlow/ScreenCrawler/internal/auth"
	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
)

// handover wraps the escalation handler with the crawl's browser
// lifecycle. Chrome locks a profile directory, so the headless session is
// closed before the visible one opens on the same profile, and a new
// headless session is launched on it once the human is done. A request
// without a profile gets a scratch directory that lives until teardown.
type handover struct {
	c     *Crawler
	cc    *crawlContext
	inner auth.Escalator
}

func (h *handover) Start(ctx context.Context, req auth.EscalationRequest) (auth.Handoff, error) {
	h.cc.log.Info("Closing headless browser for manual login")
	if err := h.cc.sess.Close(); err != nil {
		h.cc.log.WithError(err).Debug("Headless close failed")
	}
	h.cc.sess = nil

	if req.ProfileDir == "" {
		dir, err := os.MkdirTemp("", "screencrawler-"+req.Slug+"-")
		if err != nil {
			return nil, errors.NewBrowserError(req.URL, "scratch profile", err)
		}
		h.cc.scratchProfile = dir
		req.ProfileDir = dir
	}

	inner, err := h.inner.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return &resumingHandoff{h: h, inner: inner, req: req}, nil
}

// resume relaunches the crawl browser headless on the escalation profile.
// The auth gate navigates it back to the target.
func (h *handover) resume(ctx context.Context, req auth.EscalationRequest) error {
	sess, err := h.c.launcher.Launch(ctx, browser.LaunchOptions{
		Headless:   h.c.config.Headless,
		ProfileDir: req.ProfileDir,
		Device:     h.cc.device,
	})
	if err != nil {
		return errors.NewBrowserError(req.URL, "relaunch", err)
	}
	h.cc.sess = sess
	h.cc.page = sess.Page()
	h.cc.profileDir = req.ProfileDir
	return nil
}

type resumingHandoff struct {
	h     *handover
	inner auth.Handoff
	req   auth.EscalationRequest
}

// Wait waits for the human, then resumes headless. The resumed page is
// what the cascade's caller crawls from here on.
func (r *resumingHandoff) Wait(ctx context.Context) error {
	werr := r.inner.Wait(ctx)
	if err := r.h.resume(ctx, r.req); err != nil {
		r.h.cc.log.WithError(err).Warn("Could not resume headless after manual login")
		if werr == nil {
			return err
		}
	}
	if werr == nil {
		r.h.cc.log.Info("Resumed headless crawl after manual login")
	}
	return werr
}
