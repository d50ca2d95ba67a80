package admin

import (
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SystemService is the health service name that reports the manager as a whole.
const SystemService = ""

// Server is the admin gRPC server.
type Server struct {
	id         string
	grpcServer *grpc.Server
	health     *health.Server
	logger     *log.Logger

	mu      sync.Mutex
	serving map[string]bool
}

// NewServer creates an admin server. Every code starts NOT_SERVING; the
// manager as a whole starts SERVING.
func NewServer(id string, codes []string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		id:         id,
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		logger:     logger,
		serving:    make(map[string]bool),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus(SystemService, healthpb.HealthCheckResponse_SERVING)
	for _, code := range codes {
		s.health.SetServingStatus(code, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Publish sets the serving status of a partition. Transitions are logged.
func (s *Server) Publish(code string, serving bool) {
	s.mu.Lock()
	prev, seen := s.serving[code]
	s.serving[code] = serving
	s.mu.Unlock()

	s.health.SetServingStatus(code, status(serving))
	if !seen || prev != serving {
		name := code
		if name == SystemService {
			name = "manager"
		}
		s.logger.Printf("[%s] Health of %s is now %s", s.id, name, status(serving))
	}
}

// PublishSystem sets the serving status of the manager as a whole.
func (s *Server) PublishSystem(serving bool) {
	s.Publish(SystemService, serving)
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Printf("[%s] Admin server listening on %s", s.id, lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Shutdown() {
	s.logger.Printf("[%s] Stopping admin server", s.id)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
