package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/aggregator"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/cleanup"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/cluster"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/config"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/runner"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/status"
)

// runHarness arms cleanup, builds, bootstraps the cluster and forwards node logs to out until
// cleanup is triggered. Every node is terminated before it returns. signals overrides the
// cleanup signals when not empty.
func runHarness(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, signals []os.Signal) (err error) {
	env, err := cfg.Environment()
	if err != nil {
		return err
	}
	topology := cfg.Topology()
	metrics := status.NewMetrics("")

	var health *status.HealthServer
	hooks := []runner.Hooks{metrics.Hooks()}
	if cfg.Status.Listen != "" {
		health, err = status.NewHealthServer(cfg.Status.Listen, logger.With("component", "status"))
		if err != nil {
			return err
		}
		hooks = append(hooks, health.Hooks())
	}

	r, err := runner.NewRunner(runner.Options{
		Executable:  cfg.Node.Binary,
		Argv:        cfg.NodeFlags().Argv,
		Env:         env,
		Dir:         cfg.Node.WorkDir,
		GracePeriod: cfg.Shutdown.GracePeriod,
		ReapTimeout: cfg.Shutdown.ReapTimeout,
		Logger:      logger.With("component", "runner"),
		Hooks:       runner.ChainHooks(hooks...),
	})
	if err != nil {
		if health != nil {
			health.Stop()
		}
		return err
	}

	coordinator := cleanup.NewCoordinator(r, cleanup.Options{
		Signals: signals,
		Timeout: cfg.Shutdown.Timeout,
		Logger:  logger.With("component", "cleanup"),
	})
	runCtx := coordinator.Arm(ctx)
	defer coordinator.Disarm()
	defer func() {
		reason := "exit"
		if err != nil {
			reason = "error"
		}
		start := time.Now()
		cerr := coordinator.Trigger(reason)
		metrics.CleanupDone(coordinator.Reason(), time.Since(start))
		err = errors.Join(err, cerr)
	}()

	if health != nil {
		go func() {
			if err := health.Serve(); err != nil {
				logger.Error("health service stopped", "error", err)
			}
		}()
		coordinator.Register("health service", func(ctx context.Context) error {
			health.Stop()
			return nil
		})
		logger.Info("health service listening", "addr", health.Addr())
	}
	if cfg.Metrics.Listen != "" {
		srv, err := status.NewMetricsServer(cfg.Metrics.Listen, metrics, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
		coordinator.Register("metrics endpoint", srv.Shutdown)
		logger.Info("metrics endpoint listening", "addr", srv.Addr())
	}

	if err := cluster.Build(runCtx, cluster.BuildSpec{
		Command:  cfg.Build.Command,
		Dir:      cfg.Build.Dir,
		Artifact: cfg.Node.Binary,
		Timeout:  cfg.Build.Timeout,
		Output:   os.Stderr,
		Logger:   logger.With("component", "build"),
	}); err != nil {
		logger.Error("build failed", "error", err)
		return err
	}

	bootstrapper := cluster.NewBootstrapper(r, topology, cluster.Options{
		SettleDelay: cfg.SettleDelay,
		SkipSettle:  cfg.SettleDelay == 0,
		ResetData:   cfg.ResetData,
		Logger:      logger.With("component", "cluster"),
	})
	if _, err := bootstrapper.Bootstrap(runCtx); err != nil {
		switch {
		case errors.Is(err, lib.ErrJoinFailed):
			// The init node keeps running; its log is still worth following.
			logger.Error("join node failed to start", "error", err)
		case runCtx.Err() != nil:
			// Cleanup already ran; Run below only flushes what was read.
		default:
			return err
		}
	}

	var sources []aggregator.Source
	for _, spec := range bootstrapper.Topology().Nodes() {
		sources = append(sources, aggregator.Source{Name: spec.Name, Path: spec.LogPath})
	}
	agg := aggregator.New(sources, aggregator.Options{
		PollInterval: cfg.Aggregator.PollInterval,
		OnLine:       metrics.LineAggregated,
		Logger:       logger.With("component", "aggregator"),
	})
	if health != nil {
		health.SetHarnessServing(true)
	}
	return agg.Run(runCtx, out)
}
