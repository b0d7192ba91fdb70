// Package cleanup guarantees that every process spawned by the harness is terminated exactly
// once, whichever way the harness exits.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State of the coordinator. It only moves forward.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateTriggered
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	case StateCleanedUp:
		return "cleaned-up"
	default:
		return "idle"
	}
}

const defaultTimeout = 15 * time.Second

// Terminator stops every process of a group. runner.Runner implements it.
type Terminator interface {
	Terminate(ctx context.Context) error
}

type Options struct {
	// Signals that trigger cleanup; defaults to SIGINT, SIGTERM and SIGHUP.
	Signals []os.Signal
	// Timeout bounds the whole cleanup, including hooks.
	Timeout time.Duration
	Logger  *slog.Logger
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Coordinator owns the signal handlers and the single cleanup execution of one harness run.
type Coordinator struct {
	group  Terminator
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	reason string
	hooks  []hook
	cancel context.CancelFunc

	once  sync.Once
	done  chan struct{}
	err   error
	sigCh chan os.Signal
}

func NewCoordinator(group Terminator, opts Options) *Coordinator {
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		group:  group,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Arm installs the signal handlers. It must be called before the first launch. The returned
// context is cancelled once cleanup has completed, which is how the blocking parts of the
// harness learn that they should return.
func (c *Coordinator) Arm(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		cancel()
		panic("cleanup: coordinator armed twice")
	}
	c.cancel = cancel
	c.state = StateArmed
	c.sigCh = make(chan os.Signal, 1)
	c.mu.Unlock()

	// Handlers stay installed after cleanup: a late signal must not kill the harness
	// while it is still flushing output.
	signal.Notify(c.sigCh, c.opts.Signals...)
	go c.listen()

	c.logger.Debug("cleanup armed", "signals", c.opts.Signals)
	return ctx
}

func (c *Coordinator) listen() {
	select {
	case sig := <-c.sigCh:
		c.logger.Info("received signal, cleaning up", "signal", sig)
		_ = c.Trigger(fmt.Sprintf("signal %v", sig))
	case <-c.done:
	}
}

// Register adds an action run after the process group is terminated. Actions run in reverse
// registration order. Registering after cleanup started has no effect.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateTriggered {
		c.logger.Warn("cleanup action registered too late", "action", name)
		return
	}
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Trigger runs cleanup. Concurrent and repeated calls collapse into one execution; every
// caller returns once cleanup has completed, with the same error.
func (c *Coordinator) Trigger(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateTriggered
		c.reason = reason
		hooks := append([]hook(nil), c.hooks...)
		cancel := c.cancel
		c.mu.Unlock()

		c.logger.Info("cleanup triggered", "reason", reason)
		ctx, stop := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer stop()

		var result *multierror.Error
		if err := c.group.Terminate(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("terminate process group: %w", err))
		}
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].fn(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", hooks[i].name, err))
			}
		}

		c.mu.Lock()
		c.state = StateCleanedUp
		c.err = result.ErrorOrNil()
		c.mu.Unlock()

		if c.err != nil {
			c.logger.Error("cleanup finished with errors", "error", c.err)
		} else {
			c.logger.Info("cleanup finished")
		}
		if cancel != nil {
			cancel()
		}
		close(c.done)
	})
	<-c.done
	return c.err
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason is what triggered cleanup, or empty before.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed when cleanup has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Disarm removes the signal handlers. Only useful once cleanup is done.
func (c *Coordinator) Disarm() {
	c.mu.Lock()
	ch := c.sigCh
	c.mu.Unlock()
	if ch != nil {
		signal.Stop(ch)
	}
}
