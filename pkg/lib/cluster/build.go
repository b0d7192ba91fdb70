package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

const defaultArtifactTimeout = 30 * time.Second

// BuildSpec describes the external build step producing the node binary.
type BuildSpec struct {
	// Command is run as is; empty means the artifact is expected to exist already.
	Command []string
	Dir     string
	// Artifact is the path of the executable the build produces.
	Artifact string
	// Timeout bounds the wait for the artifact after the command returned.
	Timeout time.Duration
	// Output receives the build command's stdout and stderr.
	Output io.Writer
	Logger *slog.Logger
}

// Build runs the build command and waits until the artifact is a runnable file.
// Every failure wraps lib.ErrBuildFailure.
func Build(ctx context.Context, spec BuildSpec) error {
	logger := spec.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if spec.Artifact == "" {
		return fmt.Errorf("%w: artifact path is required", lib.ErrBuildFailure)
	}

	if len(spec.Command) > 0 {
		logger.Info("building node binary", "command", spec.Command, "dir", spec.Dir)
		start := time.Now()

		cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		cmd.Dir = spec.Dir
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: %v: %w", lib.ErrBuildFailure, spec.Command, err)
		}
		logger.Info("build completed", "duration", time.Since(start).Round(time.Millisecond))
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultArtifactTimeout
	}
	if err := awaitArtifact(ctx, spec.Artifact, timeout); err != nil {
		return fmt.Errorf("%w: %w", lib.ErrBuildFailure, err)
	}
	logger.Debug("artifact available", "path", spec.Artifact)
	return nil
}

// awaitArtifact polls with exponential backoff until path is an executable regular file.
func awaitArtifact(ctx context.Context, path string, timeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		return checkExecutable(path)
	}, backoff.WithContext(policy, ctx))
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return backoff.Permanent(fmt.Errorf("artifact %s is not a regular file", path))
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("artifact %s: %w", path, errNotExecutable)
	}
	return nil
}

var errNotExecutable = errors.New("not executable")
