// Package httpapi is the process's HTTP face: provider webhooks, the
// media-stream WebSocket endpoint, the control-plane JSON API, and
// health.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/calls"
	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/monitoring"
	"github.com/sells-group/callpilot/internal/recording"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/store"
)

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server to the rest of the system. Bridge handles the
// media-stream upgrade; Collector may be nil to disable the monitoring
// endpoint.
type Deps struct {
	Calls     *calls.Service
	Scheduler *scheduler.Service
	Bridge    http.HandlerFunc
	Uploader  recording.Uploader
	Collector *monitoring.Collector
	Store     store.Store
	QueuePing Pinger
	Config    config.MonitoringConfig
}

// Server owns the router.
type Server struct {
	deps   Deps
	router chi.Router
}

// New assembles the router with logging, recovery, and CORS.
func New(deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/twilio/voice", func(r chi.Router) {
		r.Post("/answer", s.handleAnswer)
		r.Post("/status", s.handleStatus)
		r.Post("/recording", s.handleRecording)
	})

	if deps.Bridge != nil {
		r.Get("/media-stream", deps.Bridge)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/schedule", s.handleSchedule)
		r.Post("/schedule/bulk", s.handleScheduleBulk)
		r.Post("/refills", s.handleRefill)
		r.Get("/refills", s.handleListRefills)
		r.Delete("/refills/{id}", s.handleStopRefill)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/jobs/clean", s.handleCleanJobs)
		r.Get("/stats", s.handleStats)
		r.Post("/queue/pause", s.handlePause)
		r.Post("/queue/resume", s.handleResume)
		r.Get("/calls/{sid}", s.handleGetCall)
		r.Get("/monitoring", s.handleMonitoring)
	})

	s.router = r
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	health := map[string]string{"status": "ok", "store": "ok", "queue": "ok"}
	if err := s.deps.Store.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.deps.QueuePing != nil {
		if err := s.deps.QueuePing.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, health)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			zap.L().Warn("http: encode response", zap.Error(err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
