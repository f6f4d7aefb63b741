package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systmms/teamvault/internal/logging"
)

// ServerConfig holds configuration for the metrics HTTP server.
type ServerConfig struct {
	// Listen is the address to bind, e.g. "127.0.0.1:9090".
	Listen string

	// Path is the path to serve metrics on.
	Path string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default metrics server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:       "127.0.0.1:9090",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ReadyFunc reports whether the vault can serve requests.
type ReadyFunc func(ctx context.Context) error

// Server provides /metrics, /healthz and /readyz.
type Server struct {
	config ServerConfig
	ready  ReadyFunc
	logger *logging.Logger

	server *http.Server
	addr   string
}

// NewServer creates a metrics server. ready may be nil.
func NewServer(config ServerConfig, ready ReadyFunc, logger *logging.Logger) *Server {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &Server{config: config, ready: ready, logger: logger}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	InitMetrics()

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.config.Listen, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	return s.addr
}
