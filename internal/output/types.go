package output

import (
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/capture"
	"github.com/PentesterFlow/ScreenCrawler/internal/discovery"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
)

// Viewport is the emulated window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Manifest describes one crawled target for the downstream pipeline.
type Manifest struct {
	Slug             string                 `json:"slug"`
	URL              string                 `json:"url"`
	Device           string                 `json:"device"`
	Viewport         Viewport               `json:"viewport"`
	CrawledAt        time.Time              `json:"crawledAt"`
	TotalScreenshots int                    `json:"totalScreenshots"`
	TotalStates      int                    `json:"totalStates"`
	Copy             *discovery.Copy        `json:"copy"`
	TechStack        []string               `json:"techStack"`
	Performance      *discovery.Performance `json:"performance"`
	Screens          []capture.Entry        `json:"screens"`
}

// TargetResult is one line of a batch report.
type TargetResult struct {
	Slug         string        `json:"slug"`
	URL          string        `json:"url"`
	Mode         string        `json:"mode,omitempty"`
	Outcome      state.Outcome `json:"outcome"`
	Reason       string        `json:"reason,omitempty"`
	Screenshots  int           `json:"screenshots"`
	States       int           `json:"states"`
	ManifestPath string        `json:"manifestPath,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Summary aggregates batch outcomes.
type Summary struct {
	Total       int `json:"total"`
	Success     int `json:"success"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Screenshots int `json:"screenshots"`
}

// BatchReport is the result of a batch run.
type BatchReport struct {
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	Summary     Summary        `json:"summary"`
	Results     []TargetResult `json:"results"`
}

// NewBatchReport starts a report at now.
func NewBatchReport(now time.Time) *BatchReport {
	return &BatchReport{StartedAt: now, Results: make([]TargetResult, 0)}
}

// Add appends r and updates the summary.
func (b *BatchReport) Add(r TargetResult) {
	b.Results = append(b.Results, r)
	b.Summary.Total++
	b.Summary.Screenshots += r.Screenshots
	switch r.Outcome {
	case state.OutcomeSuccess:
		b.Summary.Success++
	case state.OutcomeSkipped:
		b.Summary.Skipped++
	default:
		b.Summary.Failed++
	}
}

// Finish stamps the completion time.
func (b *BatchReport) Finish(now time.Time) {
	b.CompletedAt = now
}

// StreamEvent is one line of streamed output.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
