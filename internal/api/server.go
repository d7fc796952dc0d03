package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-sre/internal/config"
	"github.com/miradorstack/mirador-sre/internal/health"
	"github.com/miradorstack/mirador-sre/internal/instrument"
	"github.com/miradorstack/mirador-sre/internal/metrics"
)

// Routes mounts a group of HTTP endpoints.
type Routes interface {
	Register(router *mux.Router)
}

// Server owns the HTTP listener (metrics, health, diagnostics and the read
// API) and the gRPC listener (health service).
type Server struct {
	cfg        config.ServerConfig
	logger     *slog.Logger
	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	grpcHealth *grpchealth.Server
}

// NewServer binds both listeners. An empty GRPCAddress disables gRPC.
func NewServer(cfg config.ServerConfig, reg *metrics.Registry, instr *instrument.Instrumenter, checks *health.Registry, healthTimeout time.Duration, logger *slog.Logger, routes ...Routes) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	router := NewRouter(cfg.Version, reg, instr, checks, healthTimeout, routes...)
	httpLis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		httpLis: httpLis,
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	if cfg.GRPCAddress == "" {
		return s, nil
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		_ = httpLis.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	serverMetrics := grpc_prometheus.NewServerMetrics()
	serverMetrics.EnableHandlingTimeHistogram()
	if err := reg.AttachCollectors(serverMetrics); err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return nil, fmt.Errorf("register grpc metrics: %w", err)
	}

	unary := []grpc.UnaryServerInterceptor{serverMetrics.UnaryServerInterceptor()}
	if instr != nil {
		unary = append(unary, instr.UnaryServerInterceptor())
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(serverMetrics.StreamServerInterceptor()),
	)

	// The health service mirrors the aggregate verdict of the check registry.
	healthSrv := grpchealth.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	if checks != nil {
		checks.OnReport(health.GRPCReporter(healthSrv, ""))
	}

	// Enable server reflection in development environments.
	reflection.Register(grpcServer)
	serverMetrics.InitializeMetrics(grpcServer)

	s.grpcServer = grpcServer
	s.grpcLis = grpcLis
	s.grpcHealth = healthSrv
	return s, nil
}

// NewRouter builds the HTTP routing table. Instrumentation runs as router
// middleware so route templates, not raw paths, label the request series.
func NewRouter(version string, reg *metrics.Registry, instr *instrument.Instrumenter, checks *health.Registry, healthTimeout time.Duration, routes ...Routes) *mux.Router {
	router := mux.NewRouter()
	if instr != nil {
		router.Use(instr.Middleware)
	}
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	if checks != nil {
		router.Handle("/healthz", checks.Handler(version, healthTimeout)).Methods(http.MethodGet)
	}
	for _, r := range routes {
		if r != nil {
			r.Register(router)
		}
	}
	return router
}

// Start serves both listeners until Shutdown. It returns the first serve
// error other than a clean close.
func (s *Server) Start() error {
	if s.httpServer == nil || s.httpLis == nil {
		return fmt.Errorf("server not initialised")
	}
	errCh := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
			return
		}
		errCh <- nil
	}()
	running := 1
	if s.grpcServer != nil {
		running++
		go func() {
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
				return
			}
			errCh <- nil
		}()
	}
	s.logger.Info("listeners started", slog.String("http", s.Address()), slog.String("grpc", s.GRPCAddress()))

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Shutdown attempts a graceful shutdown, falling back to a hard stop when
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcHealth != nil {
		s.grpcHealth.Shutdown()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", slog.Any("error", err))
			_ = s.httpServer.Close()
		}
	}
	if s.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound HTTP listener address (useful for tests).
func (s *Server) Address() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddress exposes the bound gRPC listener address, empty when disabled.
func (s *Server) GRPCAddress() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
