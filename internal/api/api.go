// Package api exposes previewd's management surface: project
// registration and removal, the catalogue, manual rebuild triggers,
// health, and the websocket channel IDE integrations subscribe to.
//
// The management listener is separate from the per-project preview
// servers; removing a project never disturbs this surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	previewerrors "github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/hub"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/registry"
)

// Config carries the management listener settings.
type Config struct {
	// Host is the interface to bind. Defaults to 127.0.0.1.
	Host string

	// Port is the management port. 0 asks the system for a free one.
	Port int

	// AllowedOrigins are extra origin patterns accepted on /ws. Browser
	// clients from other origins are refused; non-browser clients send
	// no Origin header and always pass.
	AllowedOrigins []string

	Logger logging.Logger
}

// Server is the management API server.
type Server struct {
	registry *registry.Registry
	host     string
	port     int
	logger   logging.Logger
	handler  http.Handler

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	addr     string
}

// New assembles the management server around reg.
func New(reg *registry.Registry, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}

	s := &Server{
		registry: reg,
		host:     host,
		port:     config.Port,
		logger:   logger.WithComponent("api"),
	}

	stream := hub.NewStreamHandler(reg.Hub(), hub.StreamConfig{
		AllowedOrigins: config.AllowedOrigins,
		ProjectKnown:   reg.Has,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectByID)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/ws", stream)

	s.handler = s.withRequestLog(mux)
	return s
}

// Handler returns the composed management handler. Exposed so tests can
// drive the API through httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the management listener and begins serving. It returns
// once the listener is accepting; serving continues in the background
// until Stop.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return previewerrors.ErrBindFailed(addr, err)
	}

	httpSrv := &http.Server{Handler: s.handler}

	s.listener = listener
	s.httpSrv = httpSrv
	s.addr = listener.Addr().String()

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "management server stopped")
		}
	}()

	s.logger.Info(ctx, "management server listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address, or the empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// BaseURL returns the http URL of the management listener.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return fmt.Sprintf("http://%s", addr)
}

// Stop drains in-flight requests and closes the listener. The ctx
// bounds the drain; on expiry remaining connections are cut.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.addr = ""
	s.mu.Unlock()

	if httpSrv == nil {
		return nil
	}

	if err := httpSrv.Shutdown(ctx); err != nil {
		_ = httpSrv.Close()
		return err
	}
	return nil
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
