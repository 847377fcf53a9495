package transport

import (
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Health exposes the node's liveness over the standard gRPC health service
// so orchestration probes (grpcurl, kubelet, consul) can watch it without
// speaking the mesh protocol.
type Health struct {
	addr   string
	srv    *grpc.Server
	lis    net.Listener
	health *health.Server
}

func NewHealth(addr string) (*Health, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("invalid health address: %s", addr)
	}

	h := &Health{
		addr:   addr,
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	reflection.Register(h.srv)
	return h, nil
}

// Start binds synchronously so port conflicts surface immediately, then
// serves in the background.
func (h *Health) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.lis = lis

	go func() {
		_ = h.srv.Serve(h.lis)
	}()
	return nil
}

// SetServing flips the reported status for the whole node.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *Health) Stop() error {
	h.health.Shutdown()
	h.srv.GracefulStop()
	return nil
}
