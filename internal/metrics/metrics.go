// Package metrics counts what the crawler did: navigations, captures,
// skipped states and auth outcomes.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
)

// Collector collects and aggregates metrics. It is safe for concurrent use.
type Collector struct {
	// Counters
	navigationsTotal atomic.Int64
	errorsTotal      atomic.Int64
	retriesTotal     atomic.Int64
	pagesVisited     atomic.Int64
	capturesTotal    atomic.Int64
	skippedTotal     atomic.Int64
	targetsTotal     atomic.Int64

	// Navigation time tracking
	navTimeSum atomic.Int64
	navTimeNum atomic.Int64

	// Histogram buckets for navigation times in ms
	navTimeBuckets [8]atomic.Int64 // <250, <500, <1000, <2500, <5000, <10000, <30000, >=30000

	// Error breakdown by errors.ErrorType
	errorCounts map[string]int64
	errorMu     sync.RWMutex

	// Final auth cascade states
	authOutcomes map[string]int64
	authMu       sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		errorCounts:  make(map[string]int64),
		authOutcomes: make(map[string]int64),
		startTime:    time.Now(),
	}
}

// RecordNavigation records one page load and, when err is set, its
// error category.
func (c *Collector) RecordNavigation(d time.Duration, err error) {
	c.navigationsTotal.Add(1)

	ms := d.Milliseconds()
	c.navTimeSum.Add(ms)
	c.navTimeNum.Add(1)
	c.navTimeBuckets[getBucket(ms)].Add(1)

	if err != nil {
		c.RecordError(errors.Categorize(err, "").Type.String())
	}
}

// RecordError records an error of the given category.
func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.Add(1)

	c.errorMu.Lock()
	c.errorCounts[errorType]++
	c.errorMu.Unlock()
}

func getBucket(ms int64) int {
	switch {
	case ms < 250:
		return 0
	case ms < 500:
		return 1
	case ms < 1000:
		return 2
	case ms < 2500:
		return 3
	case ms < 5000:
		return 4
	case ms < 10000:
		return 5
	case ms < 30000:
		return 6
	default:
		return 7
	}
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordPageVisited increments visited pages.
func (c *Collector) RecordPageVisited() {
	c.pagesVisited.Add(1)
}

// RecordCapture increments accepted screenshots.
func (c *Collector) RecordCapture() {
	c.capturesTotal.Add(1)
}

// RecordSkip increments captures dropped as duplicates or over budget.
func (c *Collector) RecordSkip() {
	c.skippedTotal.Add(1)
}

// RecordTarget increments crawled targets.
func (c *Collector) RecordTarget() {
	c.targetsTotal.Add(1)
}

// RecordAuth records the final state of an auth cascade run.
func (c *Collector) RecordAuth(state string) {
	c.authMu.Lock()
	c.authOutcomes[state]++
	c.authMu.Unlock()
}

// GetAverageNavigationTime returns the average page load time.
func (c *Collector) GetAverageNavigationTime() time.Duration {
	sum := c.navTimeSum.Load()
	num := c.navTimeNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:             time.Now(),
		Uptime:                time.Since(c.startTime),
		NavigationsTotal:      c.navigationsTotal.Load(),
		ErrorsTotal:           c.errorsTotal.Load(),
		RetriesTotal:          c.retriesTotal.Load(),
		PagesVisited:          c.pagesVisited.Load(),
		CapturesTotal:         c.capturesTotal.Load(),
		SkippedTotal:          c.skippedTotal.Load(),
		TargetsTotal:          c.targetsTotal.Load(),
		AverageNavigationTime: c.GetAverageNavigationTime(),
		ErrorCounts:           make(map[string]int64),
		AuthOutcomes:          make(map[string]int64),
		NavigationTimeHist:    make([]int64, len(c.navTimeBuckets)),
	}

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v
	}
	c.errorMu.RUnlock()

	c.authMu.RLock()
	for k, v := range c.authOutcomes {
		s.AuthOutcomes[k] = v
	}
	c.authMu.RUnlock()

	for i := range c.navTimeBuckets {
		s.NavigationTimeHist[i] = c.navTimeBuckets[i].Load()
	}

	return s
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	c.navigationsTotal.Store(0)
	c.errorsTotal.Store(0)
	c.retriesTotal.Store(0)
	c.pagesVisited.Store(0)
	c.capturesTotal.Store(0)
	c.skippedTotal.Store(0)
	c.targetsTotal.Store(0)
	c.navTimeSum.Store(0)
	c.navTimeNum.Store(0)

	for i := range c.navTimeBuckets {
		c.navTimeBuckets[i].Store(0)
	}

	c.errorMu.Lock()
	c.errorCounts = make(map[string]int64)
	c.errorMu.Unlock()

	c.authMu.Lock()
	c.authOutcomes = make(map[string]int64)
	c.authMu.Unlock()

	c.startTime = time.Now()
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp             time.Time        `json:"timestamp"`
	Uptime                time.Duration    `json:"uptime"`
	NavigationsTotal      int64            `json:"navigations_total"`
	ErrorsTotal           int64            `json:"errors_total"`
	RetriesTotal          int64            `json:"retries_total"`
	PagesVisited          int64            `json:"pages_visited"`
	CapturesTotal         int64            `json:"captures_total"`
	SkippedTotal          int64            `json:"skipped_total"`
	TargetsTotal          int64            `json:"targets_total"`
	AverageNavigationTime time.Duration    `json:"average_navigation_time"`
	ErrorCounts           map[string]int64 `json:"error_counts"`
	AuthOutcomes          map[string]int64 `json:"auth_outcomes"`
	NavigationTimeHist    []int64          `json:"navigation_time_histogram"`
}

// ErrorRate returns the error rate (errors/navigations).
func (s *Snapshot) ErrorRate() float64 {
	if s.NavigationsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.NavigationsTotal)
}

// DedupRate returns the share of capture attempts dropped (0-1).
func (s *Snapshot) DedupRate() float64 {
	attempts := s.CapturesTotal + s.SkippedTotal
	if attempts == 0 {
		return 0
	}
	return float64(s.SkippedTotal) / float64(attempts)
}

// Summary returns a flat view for log events.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":            s.Uptime.Round(time.Second).String(),
		"targets":           s.TargetsTotal,
		"navigations":       s.NavigationsTotal,
		"errors":            s.ErrorsTotal,
		"error_rate":        s.ErrorRate(),
		"pages_visited":     s.PagesVisited,
		"captures":          s.CapturesTotal,
		"skipped":           s.SkippedTotal,
		"dedup_rate":        s.DedupRate(),
		"avg_navigation_ms": s.AverageNavigationTime.Milliseconds(),
		"auth_outcomes":     s.AuthOutcomes,
	}
}
