// Package status exposes the harness while it runs: a gRPC health service with one entry per
// node and a Prometheus metrics endpoint.
package status

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/runner"
)

// NodeService is the health service name reporting node name.
func NodeService(name string) string {
	return "node/" + name
}

// HealthServer owns the gRPC server instance and its listener.
// Service "" reports the harness itself; NodeService(name) reports each node.
type HealthServer struct {
	lis    net.Listener
	s      *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewHealthServer listens on addr and registers the health service. Nodes are unknown to the
// service until their first state change.
func NewHealthServer(addr string, logger *slog.Logger) (*HealthServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{lis: lis, s: s, health: hs, logger: logger}, nil
}

// Serve starts serving gRPC on the configured listener.
func (g *HealthServer) Serve() error {
	return g.s.Serve(g.lis)
}

// Addr returns the network address the server is bound to.
func (g *HealthServer) Addr() net.Addr { return g.lis.Addr() }

// Stop marks every service NOT_SERVING, so watchers see the end, and gracefully stops the server.
// It also releases the listener when Serve was never called.
func (g *HealthServer) Stop() {
	g.health.Shutdown()
	g.s.GracefulStop()
	// Already closed by GracefulStop once serving.
	_ = g.lis.Close()
}

// SetHarnessServing reports whether the cluster is bootstrapped and aggregating.
func (g *HealthServer) SetHarnessServing(serving bool) {
	g.health.SetServingStatus("", servingStatus(serving))
}

// SetNode reports a node as serving while its process runs.
func (g *HealthServer) SetNode(spec lib.NodeSpec, st lib.ProcessStatus) {
	serving := st.State == lib.ProcessStateRunning
	g.health.SetServingStatus(NodeService(spec.Name), servingStatus(serving))
	g.logger.Debug("node health changed", "node", spec.Name, "state", st.State)
}

// Hooks feeds node state changes into the health service.
func (g *HealthServer) Hooks() runner.Hooks {
	return runner.Hooks{
		OnStateChange: g.SetNode,
		OnSpawnFailure: func(spec lib.NodeSpec, err error) {
			g.health.SetServingStatus(NodeService(spec.Name), healthpb.HealthCheckResponse_NOT_SERVING)
		},
	}
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
