package crawler

import (
	"context"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/output"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
)

// RunBatch crawls targets one after another. A failing target never stops
// the batch; cancellation does, and the remaining targets are left out of
// the report.
func (c *Crawler) RunBatch(ctx context.Context, targets []Target) *output.BatchReport {
	report := output.NewBatchReport(c.now().UTC())
	log := c.logger.WithField("targets", len(targets))
	log.Info("Batch started")
	if c.progress != nil {
		c.progress.Start(len(targets))
		defer c.progress.Stop()
	}

	for i, t := range targets {
		if ctx.Err() != nil {
			log.Event(logger.WarnLevel).
				Int("remaining", len(targets)-i).
				Msg("Batch cancelled")
			break
		}

		if c.progress != nil {
			c.progress.Begin(t.Slug)
		}
		res, err := c.CrawlTarget(ctx, t)
		if errors.IsType(err, errors.Cancelled) {
			log.WithTarget(t.Slug).Warn("Target cancelled; not reported")
			break
		}

		tr := res.TargetResult()
		report.Add(tr)
		if c.progress != nil {
			c.progress.Finish(string(res.Outcome), res.Screenshots())
		}
		if c.output != nil {
			if werr := c.output.WriteTargetResult(&tr); werr != nil {
				log.WithError(werr).Debug("Could not stream result")
			}
		}

		c.logger.WithTarget(t.Slug).Event(levelFor(res.Outcome)).
			Int("index", i+1).
			Str("outcome", string(res.Outcome)).
			Str("reason", res.Reason).
			Int("screenshots", res.Screenshots()).
			Dur("duration", res.Duration.Round(time.Millisecond)).
			Msg("Target finished")
	}

	report.Finish(c.now().UTC())
	c.logger.StatsEvent(map[string]interface{}{
		"total":       report.Summary.Total,
		"success":     report.Summary.Success,
		"failed":      report.Summary.Failed,
		"skipped":     report.Summary.Skipped,
		"screenshots": report.Summary.Screenshots,
	})
	c.logger.StatsEvent(c.metrics.Snapshot().Summary())
	return report
}

// Stale lists ledger targets whose last successful crawl is older than
// StaleAfter, stalest first.
func (c *Crawler) Stale(now time.Time) ([]state.Record, error) {
	if c.ledger == nil {
		return nil, errors.NewConfigError("stale", "no ledger attached")
	}
	return c.ledger.Stale(c.config.StaleAfter, now)
}

func levelFor(o state.Outcome) logger.Level {
	switch o {
	case state.OutcomeSuccess:
		return logger.InfoLevel
	case state.OutcomeSkipped:
		return logger.WarnLevel
	default:
		return logger.ErrorLevel
	}
}
