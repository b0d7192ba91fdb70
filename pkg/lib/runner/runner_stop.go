package runner

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

const groupPollInterval = 10 * time.Millisecond

// Terminate closes the group to new launches and stops every member and descendant.
// SIGTERM goes to each process group first; when any process of a group, member or
// descendant, is still alive after the grace period, the groups get SIGKILL. It returns once
// every handle is reaped, or with an error when the reap wait expires.
// Groups that are already gone are not an error.
func (runner *Runner) Terminate(ctx context.Context) error {
	runner.mu.Lock()
	runner.closed = true
	pgids := append([]int(nil), runner.pgids...)
	handles := append([]*Handle(nil), runner.order...)
	runner.mu.Unlock()

	var result *multierror.Error
	if len(pgids) == 0 {
		runner.removeCgroup()
		return nil
	}

	runner.logger.Info("terminating process groups", "pgids", pgids, "signal", unix.SIGTERM)
	result = multierror.Append(result, signalGroups(pgids, unix.SIGTERM))

	// Members exiting is not enough: descendants left in a group must be gone as well.
	deadline := time.Now().Add(runner.opts.GracePeriod)
	if runner.waitReaped(ctx, handles, time.Until(deadline)) && waitGroupsGone(ctx, pgids, deadline) {
		runner.removeCgroup()
		return result.ErrorOrNil()
	}

	runner.logger.Warn("process groups did not exit in time, killing", "grace", runner.opts.GracePeriod)
	if runner.cgroup != nil {
		if err := runner.cgroup.kill(); err != nil {
			runner.logger.Warn("cgroup kill failed", "error", err)
		}
	}
	result = multierror.Append(result, signalGroups(pgids, unix.SIGKILL))

	if !runner.waitReaped(ctx, handles, runner.opts.ReapTimeout) {
		result = multierror.Append(result, fmt.Errorf("%d node process(es) not reaped", runner.Alive()))
	}
	runner.removeCgroup()
	return result.ErrorOrNil()
}

func (runner *Runner) waitReaped(ctx context.Context, handles []*Handle, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Nanosecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, handle := range handles {
		select {
		case <-handle.done:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// waitGroupsGone polls until no process is left in any of pgids, or deadline passes.
func waitGroupsGone(ctx context.Context, pgids []int, deadline time.Time) bool {
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for {
		if groupsGone(pgids) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

func groupsGone(pgids []int) bool {
	for _, pgid := range pgids {
		if err := unix.Kill(-pgid, 0); !errors.Is(err, unix.ESRCH) {
			return false
		}
	}
	return true
}

func (runner *Runner) removeCgroup() {
	if runner.cgroup == nil {
		return
	}
	if err := runner.cgroup.remove(); err != nil {
		runner.logger.Debug("cgroup cleanup failed", "error", err)
	}
}

// signalGroups delivers sig to every process group. ESRCH means the group already exited
// and is tolerated.
func signalGroups(pgids []int, sig syscall.Signal) error {
	var result *multierror.Error
	for _, pgid := range pgids {
		// Negative PID means process group
		if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			result = multierror.Append(result, fmt.Errorf("signal %v to group %d: %w", sig, pgid, err))
		}
	}
	return result.ErrorOrNil()
}
