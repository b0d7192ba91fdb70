package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/config"
)

// app carries state shared by all commands once the configuration is loaded.
type app struct {
	v      *viper.Viper
	file   string
	cfg    *config.Config
	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "clusterharness",
		Short: "Boot a two-node database cluster and follow its logs",
		Long: `clusterharness starts an init node, waits for it to settle, starts a node joining
it and prints both nodes' logs until interrupted. On exit or on SIGINT, SIGTERM or
SIGHUP every node process is terminated.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd.Context(), a.cfg, a.logger, cmd.OutOrStdout(), nil)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.file, "config", "", "Config file (yaml, toml or json)")
	pf.BoolP("verbose", "v", false, "Debug logging")
	root.Flags().String("binary", "", "Path to the node binary")
	root.Flags().String("log-dir", "", "Directory of the node log files")
	root.Flags().Duration("settle-delay", 0, "Pause between launching the init and the join node")
	root.Flags().Bool("reset-data", false, "Remove node data directories before launch")
	root.Flags().String("status-listen", "", "Address of the gRPC health service")
	root.Flags().String("metrics-listen", "", "Address of the Prometheus endpoint")

	for key, flag := range map[string]string{
		"verbose":        "verbose",
		"node.binary":    "binary",
		"log_dir":        "log-dir",
		"settle_delay":   "settle-delay",
		"reset_data":     "reset-data",
		"status.listen":  "status-listen",
		"metrics.listen": "metrics-listen",
	} {
		f := pf.Lookup(flag)
		if f == nil {
			f = root.Flags().Lookup(flag)
		}
		// Only fails for a nil flag.
		_ = a.v.BindPFlag(key, f)
	}

	root.AddCommand(newPingCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newVersionCmd())

	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.file)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Verbose)
	return nil
}

// newLogger writes the harness's own log to stderr, keeping stdout for node output.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
