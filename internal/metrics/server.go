package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Addr        string
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":9090",
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

const statusHealthy = "healthy"

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is the result of one health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Healthy returns a passing check.
func Healthy(msg string) Check { return Check{Status: statusHealthy, Message: msg} }

// Unhealthy returns a failing check.
func Unhealthy(msg string) Check { return Check{Status: "unhealthy", Message: msg} }

// HealthChecker performs a health check.
type HealthChecker func() Check

// Server serves /metrics and health endpoints.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewServer creates a metrics server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// RegisterHealthCheck registers a named health check.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start binds the listen address and serves in the background. Bind
// errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("metrics server listening",
		"addr", ln.Addr().String(),
		"metrics_path", s.cfg.MetricsPath,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// runChecks runs every registered check in name order.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(names)
	checks := make(map[string]Check, len(names))
	ok := true
	for _, name := range names {
		c := checkers[name]()
		checks[name] = c
		if c.Status != statusHealthy {
			ok = false
		}
	}
	return checks, ok
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	checks, ok := s.runChecks()

	body := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().Round(time.Second).String(),
		Checks:    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		body.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.runChecks(); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}
