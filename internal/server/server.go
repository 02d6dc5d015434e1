// Package server hosts the simulator: the prepared app output, the
// simulation-host UI, the live-reload WebSocket endpoint and the optional
// cross-origin proxy.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appsim/simulate/internal/lifecycle"
	"github.com/appsim/simulate/internal/logging"
	"github.com/appsim/simulate/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Server is the simulator server. It implements lifecycle.Server.
type Server struct {
	logger  logging.Logger
	metrics *telemetry.Recorder
	hub     *hub

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	urls     *lifecycle.URLs
	cancel   context.CancelFunc
}

// New creates a server. Nothing listens until Start.
func New(logger logging.Logger, metrics *telemetry.Recorder) *Server {
	log := logger.WithComponent("server")
	return &Server{
		logger:  log,
		metrics: metrics,
		hub:     newHub(log, metrics),
	}
}

// Connection returns the channel used to push live-reload events to the
// connected client.
func (s *Server) Connection() *BroadcastConnection {
	return &BroadcastConnection{hub: s.hub}
}

// Start resolves the project layout for the platform, binds the listener and
// begins serving. It reports the resolved project root and the served output
// root.
func (s *Server) Start(ctx context.Context, platform string, opts lifecycle.ServerOptions) (lifecycle.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return lifecycle.StartResult{}, fmt.Errorf("server: already started")
	}

	projectRoot := opts.Dir
	if projectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return lifecycle.StartResult{}, fmt.Errorf("server: resolving project root: %w", err)
		}
		projectRoot = cwd
	}
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return lifecycle.StartResult{}, fmt.Errorf("server: resolving project root: %w", err)
	}

	root := filepath.Join(projectRoot, "platforms", platform, "www")
	if _, err := os.Stat(root); err != nil {
		return lifecycle.StartResult{}, fmt.Errorf("server: platform output %s not found (run prepare first): %w", root, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", opts.Port))
	if err != nil {
		return lifecycle.StartResult{}, fmt.Errorf("server: listening on port %d: %w", opts.Port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(root)))
	mux.Handle("/simulator/", http.StripPrefix("/simulator/", http.FileServer(http.Dir(opts.SimHostRoot))))
	mux.HandleFunc("/simulator/live-reload", s.hub.handleWebSocket)
	mux.HandleFunc("/simulator/config.js", configScript(opts))
	if opts.CORSProxy {
		mux.Handle("/proxy/", newCORSProxy(s.logger))
	}
	if opts.Telemetry && s.metrics.Registry() != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	go s.hub.run(hubCtx)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error(context.Background(), serveErr, "serve loop exited")
		}
	}()

	base := fmt.Sprintf("http://%s", listener.Addr().String())
	s.httpSrv = srv
	s.listener = listener
	s.cancel = cancel
	s.urls = &lifecycle.URLs{
		Root:    base,
		App:     base + "/index.html",
		SimHost: base + "/simulator/index.html",
	}

	s.logger.Info(ctx, "server listening", "url", base, "root", root)
	return lifecycle.StartResult{ProjectRoot: projectRoot, Root: root}, nil
}

// Stop shuts the server down and releases the listener. Safe to call when
// not started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	cancel := s.cancel
	s.httpSrv = nil
	s.listener = nil
	s.urls = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}

	shutdownCtx, done := context.WithTimeout(ctx, shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	s.logger.Info(ctx, "server stopped")
	return nil
}

// URLs returns the served addresses, or nil while not listening.
func (s *Server) URLs() *lifecycle.URLs {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.urls == nil {
		return nil
	}
	urls := *s.urls
	return &urls
}

// configScript serves the client-side feature flags consumed by the
// simulation host UI.
func configScript(opts lifecycle.ServerOptions) http.HandlerFunc {
	body := fmt.Sprintf("window.simulateConfig = { touchEvents: %t, corsProxy: %t };\n",
		opts.TouchEvents, opts.CORSProxy)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, body)
	}
}
