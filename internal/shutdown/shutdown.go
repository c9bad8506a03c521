// Package shutdown turns SIGINT and SIGTERM into an orderly stop of a
// crawl: the first signal cancels the crawl context so the current target
// winds down and its browser closes, a second signal forces exit.
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

// Callback releases one resource during shutdown.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	// Timeout bounds all cleanup callbacks together.
	Timeout time.Duration
	Signals []os.Signal
	// OnForce runs on the second signal. It defaults to exiting with 130.
	OnForce func()
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type namedCallback struct {
	name string
	fn   Callback
}

// Handler cancels a context on the first signal and runs cleanup
// callbacks in reverse registration order.
type Handler struct {
	mu        sync.Mutex
	callbacks []namedCallback

	timeout time.Duration
	onForce func()
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	signals  []os.Signal
	sigChan  chan os.Signal
	stopOnce sync.Once
	stop     chan struct{}

	shuttingDown atomic.Bool
	once         sync.Once
	done         chan struct{}
	errs         []error
}

// New creates a handler whose context derives from parent.
func New(parent context.Context, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.OnForce == nil {
		cfg.OnForce = func() { os.Exit(130) }
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		timeout: cfg.Timeout,
		onForce: cfg.OnForce,
		log:     cfg.Logger.WithComponent("shutdown"),
		ctx:     ctx,
		cancel:  cancel,
		signals: cfg.Signals,
		sigChan: make(chan os.Signal, 2),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Context is cancelled when shutdown begins. Crawls run under it.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Register adds a cleanup callback.
func (h *Handler) Register(name string, fn Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, namedCallback{name: name, fn: fn})
}

// RegisterCloser closes c during shutdown.
func (h *Handler) RegisterCloser(name string, c io.Closer) {
	h.Register(name, func(context.Context) error { return c.Close() })
}

// Listen starts watching for signals until Stop is called.
func (h *Handler) Listen() {
	signal.Notify(h.sigChan, h.signals...)
	go func() {
		count := 0
		for {
			select {
			case sig := <-h.sigChan:
				count++
				if count == 1 {
					h.log.Event(logger.WarnLevel).
						Str("signal", sig.String()).
						Msg("Interrupted; finishing up. Press Ctrl+C again to force exit")
					h.cancel()
					continue
				}
				h.log.Warn("Forced exit")
				h.onForce()
				return
			case <-h.stop:
				return
			}
		}
	}()
}

// Trigger delivers a synthetic signal, as if the process received one.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// IsShuttingDown reports whether Shutdown has started.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Done is closed once Shutdown has run every callback.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Shutdown cancels the context, stops listening and runs the callbacks
// last-registered first. Later calls wait for the first and return its
// errors.
func (h *Handler) Shutdown() []error {
	h.once.Do(func() {
		h.shuttingDown.Store(true)
		h.cancel()
		h.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		h.mu.Lock()
		callbacks := append([]namedCallback(nil), h.callbacks...)
		h.mu.Unlock()

		start := time.Now()
		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			if err := run(ctx, cb); err != nil {
				h.log.WithError(err).WithField("resource", cb.name).Warn("Cleanup failed")
				h.errs = append(h.errs, err)
			}
		}
		h.log.WithDuration(time.Since(start)).Debug("Shutdown complete")
		close(h.done)
	})
	<-h.done
	return h.errs
}

// Stop stops watching for signals.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.stop)
	})
}

func run(ctx context.Context, cb namedCallback) error {
	result := make(chan error, 1)
	go func() { result <- cb.fn(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return &TimeoutError{Resource: cb.name}
	}
}

// TimeoutError is returned when a callback does not finish in time.
type TimeoutError struct {
	Resource string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.Resource
}
