package api

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ibkrmcp/internal/session"
)

// BrokerService is the health service name that tracks broker connectivity.
const BrokerService = "broker"

// Health serves the standard gRPC health protocol. The overall status and
// the gateway's own service are SERVING while the process runs; the broker
// service is SERVING only while the session is connected.
type Health struct {
	server *grpc.Server
	status *health.Server
}

// NewHealth creates a health endpoint reporting under the given service name.
func NewHealth(service string) *Health {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(BrokerService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Health{server: gs, status: hs}
}

// Watch keeps the broker service status in step with s.
func (h *Health) Watch(s *session.Session) {
	h.observe(s.State())
	s.OnStateChange(h.observe)
}

func (h *Health) observe(st session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == session.Connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus(BrokerService, status)
}

// Serve accepts gRPC connections on ln until Stop.
func (h *Health) Serve(ln net.Listener) error {
	return h.server.Serve(ln)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs, forcing
// the remainder closed when ctx ends. Watch streams never finish on their
// own, so the forced path is expected when clients are watching.
func (h *Health) Stop(ctx context.Context) {
	h.status.Shutdown()

	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.server.Stop()
		<-done
	}
}
