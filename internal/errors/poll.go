package errors

import (
	"context"
	"time"
)

// PollConfig bounds a polling loop.
type PollConfig struct {
	Interval    time.Duration // wait between attempts
	Deadline    time.Duration // hard cap on the whole loop; 0 = parent context only
	Multiplier  float64       // >1 grows the interval after each attempt
	MaxInterval time.Duration
}

// ConditionFunc is evaluated on every poll. done=true ends the loop
// successfully; a non-nil error ends it immediately with that error.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Poll runs fn until it reports done, returns an error, or the deadline
// passes. fn always runs at least once. Deadline expiry yields a Timeout
// CrawlError; parent cancellation yields a Cancelled one.
func Poll(ctx context.Context, cfg PollConfig, operation string, fn ConditionFunc) error {
	pctx := ctx
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		done, err := fn(pctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timer.Reset(interval)
		select {
		case <-pctx.Done():
			if ctx.Err() != nil {
				return NewCancelledError("", operation)
			}
			return NewTimeoutError("", operation, pctx.Err())
		case <-timer.C:
		}

		if cfg.Multiplier > 1 {
			interval = time.Duration(float64(interval) * cfg.Multiplier)
			if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
				interval = cfg.MaxInterval
			}
		}
	}
}
