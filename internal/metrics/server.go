package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intraday-runtime/internal/logger"
)

// ReloadFunc requests a trading config refetch.
type ReloadFunc func(ctx context.Context) error

// Server runs the control surface: liveness, /healthz, /metrics and
// config reload.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	reload ReloadFunc
	log    *slog.Logger
}

// NewServer creates the control server. gatherer is usually the registry
// the Metrics were registered with.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, reload ReloadFunc) *Server {
	s := &Server{
		health: health,
		addr:   addr,
		reload: reload,
		log:    logger.Component("metrics"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAlive)
	mux.Handle("/healthz", health)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/reload-config", s.handleReload)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes (used by tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload not available"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.reload(ctx); err != nil {
		s.log.Warn("config reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("config reload requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reload scheduled"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
