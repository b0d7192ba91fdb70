package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newPingCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping [node...]",
		Short: "Send PING to the client address of each node",
		Long: `ping connects to the client listen address of each configured node (or of the
named ones) using the redis protocol and prints the reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wanted := make(map[string]bool)
			for _, name := range args {
				wanted[name] = true
			}

			var rows [][]string
			for _, spec := range a.cfg.Topology().Nodes() {
				if len(wanted) > 0 && !wanted[spec.Name] {
					continue
				}
				rows = append(rows, []string{spec.Name, spec.ListenAddr, ping(cmd.Context(), spec.ListenAddr, timeout)})
			}
			printTable(cmd.OutOrStdout(), []string{"NODE", "ADDRESS", "REPLY"}, rows)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Timeout per node")
	return cmd
}

func ping(ctx context.Context, addr string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   -1,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	defer client.Close()

	reply, err := client.Ping(ctx).Result()
	if err != nil {
		return "error: " + err.Error()
	}
	return reply
}
