package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

// Launch starts the node described by spec and returns its handle once the process is running.
// stdout and stderr of the node are the log file descriptor itself, so output survives the harness.
// A failed launch is never retried.
func (runner *Runner) Launch(ctx context.Context, spec lib.NodeSpec) (*Handle, error) {
	handle, err := runner.launch(ctx, spec)
	if err != nil {
		runner.logger.Error("failed to launch node", "node", spec.Name, "role", spec.Role, "error", err)
		if hook := runner.opts.Hooks.OnSpawnFailure; hook != nil && !errors.Is(err, lib.ErrGroupClosed) {
			hook(spec, err)
		}
		return nil, err
	}
	return handle, nil
}

func (runner *Runner) launch(ctx context.Context, spec lib.NodeSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, &lib.SpawnError{Node: spec.Name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &lib.SpawnError{Node: spec.Name, Err: err}
	}

	// Holding the lock across Start orders every launch strictly before or after Terminate.
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if runner.closed {
		return nil, lib.ErrGroupClosed
	}
	if _, exists := runner.handles[spec.Name]; exists {
		return nil, &lib.SpawnError{Node: spec.Name, Err: errors.New("node already launched")}
	}

	logFile, err := createLogFile(spec.LogPath)
	if err != nil {
		return nil, &lib.SpawnError{Node: spec.Name, Err: err}
	}
	// The child holds its own descriptor after Start.
	defer logFile.Close()

	cmd := exec.Command(runner.opts.Executable, runner.opts.Argv(spec)...)
	cmd.Dir = runner.opts.Dir
	cmd.Env = runner.environ()
	// cmd.Stdin is left nil, so it will use /dev/null
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	pgid := runner.currentGroup()
	attr, err := getSysProcAttr(pgid, runner.cgroup)
	if err != nil {
		return nil, &lib.SpawnError{Node: spec.Name, Err: err}
	}
	cmd.SysProcAttr = attr.Raw

	handle := &Handle{
		ID:    lib.NewID(),
		Spec:  spec,
		cmd:   cmd,
		state: lib.ProcessStateStarting,
		done:  make(chan struct{}),
	}

	runner.logger.Info("launching node", "node", spec.Name, "role", spec.Role,
		"listen", spec.ListenAddr, "peer", spec.PeerAddr, "seed", spec.SeedAddr, "log", spec.LogPath)
	err = cmd.Start()
	if attr.File != nil {
		_ = attr.File.Close()
	}
	if err != nil {
		return nil, &lib.SpawnError{Node: spec.Name, Err: err}
	}

	pid := cmd.Process.Pid
	if pgid == 0 {
		pgid = pid
		runner.pgids = append(runner.pgids, pgid)
	}

	handle.mu.Lock()
	handle.pgid = pgid
	handle.state = lib.ProcessStateRunning
	handle.start = time.Now()
	handle.mu.Unlock()

	runner.handles[spec.Name] = handle
	runner.order = append(runner.order, handle)

	runner.logger.Info("node running", "node", spec.Name, "pid", pid, "pgid", pgid)
	// Notified before the reaper exists, so running is always reported before terminated.
	runner.notify(handle)

	go runner.reap(handle)
	return handle, nil
}

// currentGroup returns the process group new nodes join, or 0 when a new group must be created.
// Must be called with runner.mu held.
func (runner *Runner) currentGroup() int {
	if len(runner.pgids) == 0 {
		return 0
	}
	pgid := runner.pgids[len(runner.pgids)-1]
	// A group disappears with its last member; joining it would fail with EPERM.
	if err := unix.Kill(-pgid, 0); errors.Is(err, unix.ESRCH) {
		return 0
	}
	return pgid
}

// reap is the single waiter of the handle's process.
func (runner *Runner) reap(handle *Handle) {
	err := handle.cmd.Wait()

	handle.mu.Lock()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			handle.exitCode = &code
		}
	} else {
		code := 0
		handle.exitCode = &code
	}
	now := time.Now()
	handle.end = &now
	handle.state = lib.ProcessStateTerminated
	handle.mu.Unlock()
	close(handle.done)

	if err != nil {
		runner.logger.Info("node exited", "node", handle.Spec.Name, "error", err)
	} else {
		runner.logger.Info("node exited", "node", handle.Spec.Name, "code", 0)
	}
	runner.notify(handle)
}

func (runner *Runner) notify(handle *Handle) {
	if hook := runner.opts.Hooks.OnStateChange; hook != nil {
		hook(handle.Spec, handle.Status())
	}
}

func createLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log destination: %w", err)
	}
	return f, nil
}
