// Package cluster realizes the two-node topology: build the node binary, start the init
// node, wait for it to settle, then start the joining node.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/runner"
)

// DefaultSettleDelay gives the init node time to bind its sockets and prepare storage.
const DefaultSettleDelay = 2 * time.Second

// Launcher starts one node. runner.Runner implements it.
type Launcher interface {
	Launch(ctx context.Context, spec lib.NodeSpec) (*runner.Handle, error)
}

type Options struct {
	// SettleDelay is the pause between the init launch and the join launch.
	SettleDelay time.Duration
	// SkipSettle launches the join node right after the init node. Only for tests showing
	// that a join against an unready init node may fail.
	SkipSettle bool
	// ResetData removes each node's data directory before launch so init starts a fresh cluster.
	ResetData bool
	Logger    *slog.Logger
}

// Result holds the handles of the nodes that were launched.
type Result struct {
	Init *runner.Handle
	Join *runner.Handle
}

type Bootstrapper struct {
	launcher Launcher
	topology Topology
	opts     Options
	logger   *slog.Logger
}

func NewBootstrapper(launcher Launcher, topology Topology, opts Options) *Bootstrapper {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bootstrapper{
		launcher: launcher,
		topology: topology.Seeded(),
		opts:     opts,
		logger:   logger,
	}
}

// Topology returns the topology being bootstrapped, with the join node seeded.
func (b *Bootstrapper) Topology() Topology {
	return b.topology
}

// Bootstrap launches the init node, waits for the settle delay and launches the join node.
//
// An init failure is returned as is and nothing else is launched. A join failure is returned
// wrapped in lib.ErrJoinFailed together with a Result holding the init handle: the init node
// keeps running and stays in the launcher's process group. Nothing is retried and there is no
// readiness check besides the delay. Cancelling ctx during the delay skips the join launch.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Result, error) {
	if err := b.topology.Validate(); err != nil {
		return nil, err
	}
	if b.opts.ResetData {
		if err := b.resetData(); err != nil {
			return nil, err
		}
	}

	initNode, err := b.launcher.Launch(ctx, b.topology.Init)
	if err != nil {
		return nil, err
	}
	result := &Result{Init: initNode}

	if !b.opts.SkipSettle {
		b.logger.Info("waiting for init node to settle", "node", b.topology.Init.Name, "delay", b.opts.SettleDelay)
		timer := time.NewTimer(b.opts.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}

	joinNode, err := b.launcher.Launch(ctx, b.topology.Join)
	if err != nil {
		return result, fmt.Errorf("%w: %w", lib.ErrJoinFailed, err)
	}
	result.Join = joinNode

	b.logger.Info("cluster bootstrapped", "init", b.topology.Init.Name, "join", b.topology.Join.Name,
		"seed", b.topology.Join.SeedAddr)
	return result, nil
}

func (b *Bootstrapper) resetData() error {
	for _, spec := range b.topology.Nodes() {
		if spec.DataDir == "" {
			continue
		}
		dir := filepath.Clean(spec.DataDir)
		if dir == "/" || dir == "." {
			return fmt.Errorf("%w: refusing to reset data directory %q of %s", lib.ErrInvalidSpec, spec.DataDir, spec.Name)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("reset data of %s: %w", spec.Name, err)
		}
		b.logger.Debug("reset data directory", "node", spec.Name, "dir", dir)
	}
	return nil
}
