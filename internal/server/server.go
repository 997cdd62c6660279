// Package server hosts one ephemeral-port HTTP server per registered
// project: proxy rules first, static files under the project root second,
// SPA fallback last. Served HTML participates in hot reload through an
// injected client script.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	previewerrors "github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/hub"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/project"
	"github.com/conneroisu/previewd/internal/security"
)

// DefaultHost is the listen address used when none is configured.
const DefaultHost = "127.0.0.1"

// Binding describes where a started project server is reachable.
type Binding struct {
	Port    int
	BaseURL string
}

// Config holds project server construction options.
type Config struct {
	// Host is the interface the ephemeral port binds to.
	Host string
	// Policy authorizes filesystem reads. Nil scopes access to the
	// project root.
	Policy security.Policy
	// Hub, when set, backs the per-project reload stream at
	// /_preview/ws so injected clients can subscribe same-origin.
	Hub *hub.Hub
	// AllowedOrigins extends the reload stream's origin patterns.
	AllowedOrigins []string
	Logger         logging.Logger
}

// proxyRoute pairs a validated rule with its ready-to-serve proxy.
type proxyRoute struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// ProjectServer serves one project's preview surface.
//
// The proxy table is swappable at runtime so re-registration can change
// routing without rebinding the port. All listener state is protected by
// mu; Start and Stop are both idempotent.
type ProjectServer struct {
	project *project.Project
	host    string
	policy  security.Policy
	logger  logging.Logger
	stream  http.Handler
	client  []byte

	routesMu sync.RWMutex
	routes   []proxyRoute

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	binding  *Binding
}

// New creates a server for proj. The permission policy is wrapped in a
// per-session decision cache, so the underlying policy is consulted at
// most once per path and operation.
func New(proj *project.Project, config Config) (*ProjectServer, error) {
	if proj == nil {
		return nil, fmt.Errorf("project must not be nil")
	}

	host := config.Host
	if host == "" {
		host = DefaultHost
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("server").With("project_id", proj.ID)

	policy := config.Policy
	if policy == nil {
		policy = security.NewRootScopedPolicy(proj.RootPath)
	}

	s := &ProjectServer{
		project: proj,
		host:    host,
		policy:  security.NewCachedPolicy(policy),
		logger:  logger,
		client:  renderClientScript(proj),
	}

	if config.Hub != nil {
		s.stream = hub.NewStreamHandler(config.Hub, hub.StreamConfig{
			AllowedOrigins: config.AllowedOrigins,
			ProjectKnown:   func(id string) bool { return id == proj.ID },
			Logger:         config.Logger,
		})
	}

	if err := s.UpdateProxyRules(proj.ProxyRules); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateProxyRules swaps the proxy table. Requests observe the new rules
// immediately; the port and all other state are untouched.
func (s *ProjectServer) UpdateProxyRules(rules []project.ProxyRule) error {
	routes := make([]proxyRoute, 0, len(rules))
	for _, rule := range rules {
		target, err := url.Parse(rule.TargetURL)
		if err != nil {
			return previewerrors.NewConfigError(
				previewerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy target %q is not a valid URL", rule.TargetURL),
			).WithProject(s.project.ID)
		}
		routes = append(routes, proxyRoute{
			prefix: rule.MatchPrefix,
			proxy:  s.newReverseProxy(target),
		})
	}

	s.routesMu.Lock()
	s.routes = routes
	s.routesMu.Unlock()
	return nil
}

func (s *ProjectServer) newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	logger := s.logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn(r.Context(), err, "proxy target unreachable",
				"path", r.URL.Path,
				"target", target.String(),
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
}

// Start binds an ephemeral port and begins serving. Calling Start on a
// running server returns the existing binding.
func (s *ProjectServer) Start(ctx context.Context) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding != nil {
		return *s.binding, nil
	}

	addr := net.JoinHostPort(s.host, "0")
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return Binding{}, previewerrors.ErrBindFailed(addr, err).WithProject(s.project.ID)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	binding := Binding{
		Port:    port,
		BaseURL: fmt.Sprintf("http://%s", net.JoinHostPort(s.host, fmt.Sprintf("%d", port))),
	}

	httpSrv := &http.Server{Handler: http.HandlerFunc(s.handleRequest)}

	s.listener = listener
	s.httpSrv = httpSrv
	s.binding = &binding

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "project server terminated")
		}
	}()

	s.logger.Info(ctx, "project server started",
		"port", binding.Port,
		"base_url", binding.BaseURL,
		"root", s.project.RootPath,
	)
	return binding, nil
}

// Binding returns the current binding, if the server is running.
func (s *ProjectServer) Binding() (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return Binding{}, false
	}
	return *s.binding, true
}

// Stop drains in-flight requests and releases the port. When ctx expires
// before the drain completes, remaining connections are closed hard; the
// port is released on every path. Stop on a stopped server is a no-op.
func (s *ProjectServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.listener = nil
	s.httpSrv = nil
	s.binding = nil
	s.mu.Unlock()

	if httpSrv == nil {
		return nil
	}

	err := httpSrv.Shutdown(ctx)
	if err != nil {
		_ = httpSrv.Close()
	}

	s.logger.Info(context.Background(), "project server stopped")
	return err
}

// handleRequest dispatches in fixed order: preview assets, proxy rules in
// declaration order, then static files.
func (s *ProjectServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, previewPrefix) {
		s.handlePreviewAsset(w, r)
		return
	}

	if route := s.matchProxy(r.URL.Path); route != nil {
		route.proxy.ServeHTTP(w, r)
		return
	}

	s.handleStatic(w, r)
}

// matchProxy returns the first rule whose prefix matches path on a
// segment boundary, or nil.
func (s *ProjectServer) matchProxy(path string) *proxyRoute {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()

	for i := range s.routes {
		if matchesPrefix(path, s.routes[i].prefix) {
			return &s.routes[i]
		}
	}
	return nil
}

// matchesPrefix matches on whole path segments, so "/api" covers "/api"
// and "/api/users" but not "/apiv2".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
