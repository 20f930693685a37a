package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskescrow/logging"
)

// Phases used by escrowd. Lower phases stop first.
const (
	PhaseTransport = 10
	PhaseEvents    = 20
	PhaseStore     = 30
	PhaseTelemetry = 40
)

// DefaultTimeout bounds ShutdownWithTimeout when New is given zero.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout indicates phases were skipped because the deadline passed.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrAlreadyShutdown is returned by Shutdown after the first call.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
)

// Handler is implemented by components that release resources on shutdown.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Result records how one handler finished.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	timeout time.Duration
	log     *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	results  []Result
	err      error
	done     chan struct{}
	sigCh    chan os.Signal
}

// New creates a Coordinator. A nil log discards progress.
func New(timeout time.Duration, log *logging.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		timeout: timeout,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		sigCh:   make(chan os.Signal, 1),
	}
}

// Register adds h to phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// RegisterFunc adds fn to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// HandleSignals returns a context cancelled on SIGINT or SIGTERM. The
// returned stop function releases the signal handler.
func (c *Coordinator) HandleSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(c.sigCh)
		select {
		case sig := <-c.sigCh:
			c.log.Info("signal received", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Trigger simulates SIGTERM for a context returned by HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.sigCh <- syscall.SIGTERM:
	default:
	}
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Shutdown runs every handler. Later calls return ErrAlreadyShutdown.
// The returned error joins every handler failure, plus ErrTimeout when ctx
// expired before all phases ran.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	start := time.Now()
	var results []Result
	var errs []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			errs = append(errs, ErrTimeout)
			break
		}
		for _, r := range c.runPhase(ctx, group) {
			results = append(results, r)
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
			}
		}
	}
	err := errors.Join(errs...)

	fields := map[string]interface{}{
		"handlers": len(results),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		c.log.Warn("shutdown incomplete", fields)
	} else {
		c.log.Info("shutdown complete", fields)
	}

	c.mu.Lock()
	c.results = results
	c.err = err
	c.mu.Unlock()
	close(c.done)
	return err
}

// Done is closed when Shutdown returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Results returns per-handler results in phase order, or nil before Done.
func (c *Coordinator) Results() []Result {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Result {
	results := make([]Result, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = Result{Name: reg.name, Phase: reg.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{"handler": reg.name, "phase": reg.phase}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("handler failed", fields)
			} else {
				c.log.Debug("handler stopped", fields)
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase sorts registrations by phase, keeping registration order
// within a phase, and splits them into groups.
func groupByPhase(handlers []registration) [][]registration {
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
