package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/countermgr/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int // Actual port after binding (useful when using :0)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "localhost:19870" or ":0").
	Addr string
	// Service is the coordinator to expose via HTTP.
	Service Service
	// Metrics serves GET /metrics (optional).
	Metrics http.Handler
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer creates a new API server and binds its listener.
// If Addr uses port 0 (e.g., "localhost:0" or ":0"), the OS will assign an available port.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandlerWithConfig(HandlerConfig{
		Service: cfg.Service,
		Metrics: cfg.Metrics,
	})

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	// Create listener first to get the actual port (important for :0)
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // No timeout for SSE
		},
	}, nil
}

// Start serves until the server is stopped. A graceful Stop returns nil.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "Stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
