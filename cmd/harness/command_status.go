package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/status"
)

func newStatusCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health service of a running harness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Status.Listen
			}
			if addr == "" {
				return errors.New("no health service address; set status.listen or --addr")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()
			client := healthpb.NewHealthClient(conn)

			rows := [][]string{{"harness", check(ctx, client, "")}}
			for _, spec := range a.cfg.Topology().Nodes() {
				rows = append(rows, []string{spec.Name, check(ctx, client, status.NodeService(spec.Name))})
			}
			printTable(cmd.OutOrStdout(), []string{"SERVICE", "STATUS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Health service address (defaults to status.listen)")
	return cmd
}

func check(ctx context.Context, client healthpb.HealthClient, service string) string {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if grpcstatus.Code(err) == codes.NotFound {
			return "UNKNOWN"
		}
		return "error: " + grpcstatus.Convert(err).Message()
	}
	return resp.GetStatus().String()
}
