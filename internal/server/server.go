package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talkmetrics/talkmetrics/internal/analytics"
	"github.com/talkmetrics/talkmetrics/internal/config"
	"github.com/talkmetrics/talkmetrics/internal/materialize"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server for the report API.
type Server struct {
	mu       gosync.RWMutex
	cfg      config.Config
	svc      *analytics.Service
	engine   *materialize.Engine
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
	httpSrv  *http.Server
	version  VersionInfo

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, svc *analytics.Service,
	engine *materialize.Engine, opts ...Option,
) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithGatherer sets the registry served on /metrics. Nil is
// ignored.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle(
		"GET /api/v1/reports/users/response-times",
		s.withTimeout(s.report(s.svc.ResponseTimes)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/users/performance",
		s.withTimeout(s.report(s.svc.Performance)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/users/online-durations",
		s.withTimeout(s.report(s.svc.OnlineDurations)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/users/satisfaction",
		s.withTimeout(s.report(s.svc.Satisfaction)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/conversations/summary",
		s.withTimeout(s.report(s.svc.ConversationsSummary)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/conversations/detailed",
		s.withTimeout(s.report(s.svc.ConversationsDetailed)),
	)
	s.mux.Handle(
		"GET /api/v1/reports/conversations/live",
		s.withTimeout(s.report(s.svc.Live)),
	)

	// Materialization can outlast the write timeout; it is bound
	// by the request context only.
	s.mux.HandleFunc("POST /api/v1/materialize", s.handleMaterialize)
	s.mux.Handle(
		"GET /api/v1/materialize/status",
		s.withTimeout(s.handleMaterializeStatus),
	)

	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(
		s.gatherer, promhttp.HandlerOpts{},
	))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// SetPort updates the listen port (for testing).
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.RLock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.mu.RUnlock()
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				fmt.Sprintf("Content-Type, %s, %s",
					HeaderAccountID, HeaderUserID),
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}
