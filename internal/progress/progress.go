// Package progress draws a one-line batch progress bar.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Display tracks targets finished in a batch and redraws a status line on
// every change.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	total       int
	done        atomic.Int64
	success     atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
	screenshots atomic.Int64

	startTime time.Time
	current   string
	lastLine  string
}

// New creates a display writing to stderr.
func New() *Display {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a display writing to w.
func NewWithWriter(w io.Writer) *Display {
	return &Display{out: w}
}

// Start begins the display for a batch of total targets.
func (d *Display) Start(total int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	d.total = total
	d.startTime = time.Now()
	d.draw()
}

// Begin marks slug as the target being crawled.
func (d *Display) Begin(slug string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.current = slug
	d.draw()
}

// Finish counts one finished target. Outcome is "success", "failed" or
// "skipped"; anything else only moves the done counter.
func (d *Display) Finish(outcome string, screenshots int) {
	d.done.Add(1)
	d.screenshots.Add(int64(screenshots))
	switch outcome {
	case "success":
		d.success.Add(1)
	case "failed":
		d.failed.Add(1)
	case "skipped":
		d.skipped.Add(1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = ""
	d.draw()
}

// Stop ends the display and moves past the bar.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}
	d.stopped = true
	fmt.Fprintln(d.out)
}

// Stats returns the counters so far.
func (d *Display) Stats() (done, success, failed, skipped, screenshots int64) {
	return d.done.Load(), d.success.Load(), d.failed.Load(), d.skipped.Load(), d.screenshots.Load()
}

// draw must be called with mu held.
func (d *Display) draw() {
	if !d.started || d.stopped {
		return
	}

	done := int(d.done.Load())
	percent := 100
	if d.total > 0 {
		percent = done * 100 / d.total
	}

	barWidth := 30
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | %d/%d | ok %d | failed %d | skipped %d | shots %d | %s",
		bar, percent, done, d.total,
		d.success.Load(), d.failed.Load(), d.skipped.Load(), d.screenshots.Load(),
		formatDuration(time.Since(d.startTime)))
	if d.current != "" {
		line += " | " + truncate(d.current, 24)
	}

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
