package lib

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildFailure means the build step did not produce a runnable artifact.
	ErrBuildFailure = errors.New("build failure")
	// ErrSpawnFailure means a node process could not be started.
	ErrSpawnFailure = errors.New("spawn failure")
	ErrInvalidSpec  = errors.New("invalid node spec")
	// ErrGroupClosed is returned by launches attempted after cleanup has begun.
	ErrGroupClosed = errors.New("process group closed")
	// ErrJoinFailed wraps a join node failure that left the init node running.
	ErrJoinFailed = errors.New("join node failed")
)

// SpawnError reports a failed launch of a single node.
type SpawnError struct {
	Node string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn node %s: %v", e.Node, e.Err)
}

// Unwrap exposes both the spawn-failure class and the underlying cause.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailure, e.Err}
}
