package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/mev/internal/runtime"
	"github.com/rzbill/mev/pkg/log"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "mev.EventLog"

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt       *runtime.Runtime
	grpc     *grpc.Server
	health   *health.Server
	lis      net.Listener
	logger   log.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the component logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthInterval sets how often runtime health is re-checked.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithServerOptions passes options through to grpc.NewServer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) { s.grpc = grpc.NewServer(opts...) }
}

// New constructs a gRPC server and registers the health and reflection
// services. Health is refreshed from the runtime until Close.
func New(rt *runtime.Runtime, opts ...Option) *Server {
	s := &Server{
		rt:       rt,
		health:   health.NewServer(),
		logger:   log.NewLogger(log.WithLevel(log.InfoLevel)),
		interval: 5 * time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.grpc == nil {
		s.grpc = grpc.NewServer()
	}
	s.logger = s.logger.WithComponent("grpc")
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.refresh(context.Background())
	go s.watchHealth()
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc server listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Serve serves on an existing listener until it fails or the server stops.
func (s *Server) Serve(l net.Listener) error {
	return s.grpc.Serve(l)
}

// Close marks the server not serving, stops the health watcher and stops
// the server gracefully. It is safe to call more than once.
func (s *Server) Close() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	<-s.done
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
