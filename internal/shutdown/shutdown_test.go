package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newHandler() *Handler {
	return New(context.Background(), Config{OnForce: func() {}})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals length = %d, want 2", len(cfg.Signals))
	}
}

func TestHandler_Context(t *testing.T) {
	h := newHandler()

	select {
	case <-h.Context().Done():
		t.Fatal("Context should not be done initially")
	default:
	}

	h.Shutdown()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Error("Context should be cancelled after Shutdown")
	}
	if !h.IsShuttingDown() {
		t.Error("IsShuttingDown() should be true")
	}
}

func TestHandler_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := New(parent, Config{OnForce: func() {}})
	cancel()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Error("Context should follow its parent")
	}
}

func TestHandler_Shutdown_LIFO(t *testing.T) {
	h := newHandler()
	order := make([]int, 0, 3)

	for i := 1; i <= 3; i++ {
		i := i
		h.Register("resource", func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	h.Shutdown()

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("Order = %v, want [3 2 1]", order)
	}
}

func TestHandler_Shutdown_Idempotent(t *testing.T) {
	h := newHandler()
	var calls atomic.Int32
	h.Register("ledger", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("already closed")
	})

	first := h.Shutdown()
	second := h.Shutdown()
	<-h.Done()

	if calls.Load() != 1 {
		t.Errorf("callback ran %d times, want 1", calls.Load())
	}
	if len(first) != 1 || len(second) != 1 {
		t.Errorf("errors = %v / %v, want the same single error", first, second)
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestHandler_RegisterCloser(t *testing.T) {
	h := newHandler()
	c := &closer{}
	h.RegisterCloser("output", c)

	if errs := h.Shutdown(); len(errs) != 0 {
		t.Errorf("Shutdown() errors = %v", errs)
	}
	if !c.closed {
		t.Error("closer was not closed")
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := New(context.Background(), Config{Timeout: 50 * time.Millisecond, OnForce: func() {}})
	h.Register("browser", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	errs := h.Shutdown()
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Shutdown should not wait past its timeout")
	}

	var te *TimeoutError
	if len(errs) != 1 || !errors.As(errs[0], &te) || te.Resource != "browser" {
		t.Errorf("errors = %v, want a timeout for browser", errs)
	}
}

func TestHandler_SignalCancelsThenForces(t *testing.T) {
	forced := make(chan struct{})
	h := New(context.Background(), Config{OnForce: func() { close(forced) }})
	h.Listen()
	defer h.Stop()

	h.Trigger()
	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("first signal should cancel the context")
	}
	if h.IsShuttingDown() {
		t.Error("a signal cancels the crawl; cleanup is left to Shutdown")
	}

	h.Trigger()
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Error("second signal should force exit")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Resource: "ledger"}
	if err.Error() != "shutdown callback timed out: ledger" {
		t.Errorf("Error() = %q", err.Error())
	}
}
