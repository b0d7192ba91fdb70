package runner

import (
	"context"
	"os"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

// Status returns the current status of the node with the given name.
func (runner *Runner) Status(name string) (*lib.ProcessStatus, error) {
	handle, err := runner.Handle(name)
	if err != nil {
		return nil, err
	}
	status := handle.Status()
	return &status, nil
}

// Handle looks up a launched node by name.
func (runner *Runner) Handle(name string) (*Handle, error) {
	runner.mu.Lock()
	handle := runner.handles[name]
	runner.mu.Unlock()
	if handle == nil {
		return nil, os.ErrNotExist
	}
	return handle, nil
}

// Handles returns every launched node in launch order.
func (runner *Runner) Handles() []*Handle {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return append([]*Handle(nil), runner.order...)
}

// Pgids returns the process groups created for this run.
func (runner *Runner) Pgids() []int {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return append([]int(nil), runner.pgids...)
}

// Alive counts handles that have not been reaped yet.
func (runner *Runner) Alive() int {
	alive := 0
	for _, handle := range runner.Handles() {
		select {
		case <-handle.done:
		default:
			alive++
		}
	}
	return alive
}

// Wait blocks until the named node has been reaped or ctx is done.
func (runner *Runner) Wait(ctx context.Context, name string) (*lib.ProcessStatus, error) {
	handle, err := runner.Handle(name)
	if err != nil {
		return nil, err
	}
	select {
	case <-handle.done:
		status := handle.Status()
		return &status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the handle's lifecycle.
func (handle *Handle) Status() lib.ProcessStatus {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	st := lib.ProcessStatus{State: handle.state, StartTime: handle.start}
	if handle.cmd.Process != nil {
		st.Pid = handle.cmd.Process.Pid
	}
	if handle.exitCode != nil {
		st.ExitCode = new(int)
		*st.ExitCode = *handle.exitCode
	}
	if handle.end != nil {
		t := *handle.end
		st.EndTime = &t
	}
	return st
}

// Pid is the OS process id of the node.
func (handle *Handle) Pid() int {
	return handle.cmd.Process.Pid
}

// Pgid is the process group the node was started in.
func (handle *Handle) Pgid() int {
	handle.mu.RLock()
	defer handle.mu.RUnlock()
	return handle.pgid
}

// Done is closed once the process has been reaped.
func (handle *Handle) Done() <-chan struct{} {
	return handle.done
}
