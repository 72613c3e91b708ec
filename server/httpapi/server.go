package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/IdleRPGBot/rateway/cluster"
	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/health"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthReporter is satisfied by *health.HealthMonitor.
type HealthReporter interface {
	Report() health.Report
}

// CacheStats is satisfied by *cache.Cache.
type CacheStats interface {
	Counts() map[string]int
}

// Server represents the admin HTTP server
type Server struct {
	addr     string
	health   HealthReporter
	clusters func() []cluster.Info
	cache    CacheStats
	server   *http.Server
}

// ServerOptions holds configuration options for the admin HTTP server
type ServerOptions struct {
	Addr     string
	Health   HealthReporter
	Clusters func() []cluster.Info
	// Cache is nil when entity caching is disabled.
	Cache CacheStats
}

// New creates a new admin HTTP server
func New(options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("listen address is required for admin HTTP server")
	}
	if options.Health == nil {
		return nil, fmt.Errorf("health reporter is required for admin HTTP server")
	}

	return &Server{
		addr:     options.Addr,
		health:   options.Health,
		clusters: options.Clusters,
		cache:    options.Cache,
	}, nil
}

// Start starts the admin HTTP server and blocks until ctx is done.
func Start(ctx context.Context, options ServerOptions, errChan chan<- error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin HTTP server: %w", err)
		return
	}

	logger.Info("Starting admin HTTP server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin HTTP server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admin HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down admin HTTP server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/clusters", s.handleClusters).Methods(http.MethodGet)
	router.HandleFunc("/clusters/{id:[0-9]+}", s.handleCluster).Methods(http.MethodGet)
	router.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin HTTP request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin HTTP: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) clusterInfo() []cluster.Info {
	if s.clusters == nil {
		return []cluster.Info{}
	}
	return s.clusters()
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.clusterInfo())
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, info := range s.clusterInfo() {
		if strconv.Itoa(info.ID) == id {
			s.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "cluster not found")
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.Counts())
}
