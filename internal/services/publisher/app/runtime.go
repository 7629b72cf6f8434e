// Package app hosts the publisher runtime: the cold store, the durable
// stream bus, a gRPC health endpoint, and the outbox drain loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stratumlabs/stratum/internal/bus/sqlitestream"
	"github.com/stratumlabs/stratum/internal/outbox"
	"github.com/stratumlabs/stratum/internal/platform/timeouts"
	"github.com/stratumlabs/stratum/internal/storage/sqlite"
	"github.com/stratumlabs/stratum/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls publisher startup, storage paths, and loop behavior.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	StreamDBPath  string
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	BatchSize     int
	PublishRate   float64
	PublishBurst  int
	Retention     time.Duration
	SweepInterval time.Duration
}

const (
	defaultPublisherPort = 8091
	defaultPublisherDB   = "data/stratum.db"
	defaultStreamDB      = "data/stream.db"
)

// Server hosts the publisher loop and its health endpoint.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *sqlite.Store
	stream     *sqlitestream.Stream
	publisher  *outbox.Publisher
	closeOnce  sync.Once
}

// New creates a configured publisher server listening on cfg.Port.
func New(cfg RuntimeConfig) (*Server, error) {
	port := cfg.Port
	if port <= 0 {
		port = defaultPublisherPort
	}
	return NewWithAddr(fmt.Sprintf(":%d", port), cfg)
}

// NewWithAddr creates a configured publisher server listening on addr.
func NewWithAddr(addr string, cfg RuntimeConfig) (*Server, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultPublisherDB
	}
	if strings.TrimSpace(cfg.StreamDBPath) == "" {
		cfg.StreamDBPath = defaultStreamDB
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openColdStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	stream, err := openStream(cfg.StreamDBPath)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	publisher, err := outbox.New(outbox.Config{
		Consumer:      cfg.Consumer,
		PollInterval:  cfg.PollInterval,
		LeaseTTL:      cfg.LeaseTTL,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
		BatchSize:     cfg.BatchSize,
		PublishRate:   cfg.PublishRate,
		PublishBurst:  cfg.PublishBurst,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	}, outbox.Deps{
		Ledger:    store,
		Bus:       stream,
		Telemetry: telemetry.NewEmitter(store),
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		_ = stream.Close()
		return nil, fmt.Errorf("build outbox publisher: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("stratum.publisher", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		stream:     stream,
		publisher:  publisher,
	}, nil
}

// Addr returns the health listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a publisher until the context ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the health endpoint and the drain loop until ctx ends or the
// gRPC server fails. The drain loop finishes its in-flight publish before
// Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("publisher listening at %v", s.listener.Addr())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()
	drainErr := make(chan error, 1)
	go func() {
		drainErr <- s.publisher.Run(runCtx)
	}()

	select {
	case err := <-serveErr:
		// Health endpoint died; stop the drain loop too.
		cancel()
		<-drainErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-drainErr:
		s.health.Shutdown()
		s.stopGRPC()
		<-serveErr
		return err
	}
}

// stopGRPC drains in-flight RPCs, falling back to a hard stop when the
// graceful path exceeds the shutdown budget.
func (s *Server) stopGRPC() {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeouts.Shutdown):
		s.grpcServer.Stop()
		<-stopped
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}

	s.closeOnce.Do(func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("close publisher listener: %v", err)
			}
		}
		if s.stream != nil {
			if err := s.stream.Close(); err != nil {
				log.Printf("close stream db: %v", err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("close publisher store: %v", err)
			}
		}
	})
}

func openColdStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func openStream(path string) (*sqlitestream.Stream, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create stream dir: %w", err)
		}
	}
	stream, err := sqlitestream.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stream db: %w", err)
	}
	return stream, nil
}
