package runner

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

const (
	defaultGracePeriod = 3 * time.Second
	defaultReapTimeout = 2 * time.Second
)

// Hooks are invoked synchronously from the launching or reaping goroutine; they must not block.
type Hooks struct {
	OnStateChange  func(spec lib.NodeSpec, status lib.ProcessStatus)
	OnSpawnFailure func(spec lib.NodeSpec, err error)
}

// Options configures a Runner.
type Options struct {
	// Executable is the node binary every launch runs.
	Executable string
	// Argv renders the node command line; defaults to lib.DefaultNodeFlags.
	Argv func(spec lib.NodeSpec) []string
	// Env is added on top of the harness environment for every node.
	Env map[string]string
	// Dir is the working directory of node processes; empty means the harness's.
	Dir string
	// GracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// ReapTimeout bounds the wait for reaping after SIGKILL.
	ReapTimeout time.Duration
	Logger      *slog.Logger
	Hooks       Hooks
}

// Runner launches node processes and owns the process group they live in.
// Members are only added by Launch and only signalled by Terminate.
type Runner struct {
	mu      sync.Mutex
	handles map[string]*Handle
	order   []*Handle
	// pgids holds every process group created for this run; normally just one.
	pgids  []int
	closed bool

	runID  string
	opts   Options
	logger *slog.Logger
	cgroup *cgroup
}

// Handle is a spawned node process. It is owned by the Runner that created it.
type Handle struct {
	ID   string
	Spec lib.NodeSpec
	cmd  *exec.Cmd
	pgid int

	mu       sync.RWMutex
	state    lib.ProcessState
	exitCode *int
	start    time.Time
	end      *time.Time
	done     chan struct{}
}

// NewRunner creates a Runner for one harness invocation.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Executable == "" {
		return nil, fmt.Errorf("%w: executable is required", lib.ErrSpawnFailure)
	}
	if opts.Argv == nil {
		opts.Argv = lib.DefaultNodeFlags().Argv
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.ReapTimeout <= 0 {
		opts.ReapTimeout = defaultReapTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runID := lib.NewID()
	cg, err := newCgroup(runID)
	if err != nil {
		// Process-group signalling still covers the nodes.
		logger.Warn("cgroup unavailable", "error", err)
		cg = nil
	}

	return &Runner{
		handles: make(map[string]*Handle),
		runID:   runID,
		opts:    opts,
		logger:  logger.With("run", runID),
		cgroup:  cg,
	}, nil
}

// RunID identifies this harness invocation.
func (runner *Runner) RunID() string {
	return runner.runID
}

func (runner *Runner) environ() []string {
	env := os.Environ()
	for k, v := range runner.opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// ChainHooks calls every non-nil hook of hooks in order.
func ChainHooks(hooks ...Hooks) Hooks {
	return Hooks{
		OnStateChange: func(spec lib.NodeSpec, status lib.ProcessStatus) {
			for _, h := range hooks {
				if h.OnStateChange != nil {
					h.OnStateChange(spec, status)
				}
			}
		},
		OnSpawnFailure: func(spec lib.NodeSpec, err error) {
			for _, h := range hooks {
				if h.OnSpawnFailure != nil {
					h.OnSpawnFailure(spec, err)
				}
			}
		},
	}
}
