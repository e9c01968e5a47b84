package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/connectivity"
	"github.com/FeedForge/reelcore/internal/netquality"
	"github.com/FeedForge/reelcore/internal/pool"
	"github.com/FeedForge/reelcore/internal/preload"
	"github.com/FeedForge/reelcore/internal/progressive"
	"github.com/FeedForge/reelcore/internal/swrcache"
)

// Server is the control/status surface for the delivery engine. The
// UI-side reporter posts viewport positions here; the platform glue
// posts connectivity changes; operators read /status and /metrics.
type Server struct {
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server

	scheduler *preload.Scheduler
	pool      *pool.Pool
	cache     *swrcache.Cache
	estimator *netquality.Estimator
	fetcher   *progressive.Fetcher
	monitor   *connectivity.Monitor

	startTime time.Time
}

// NewServer wires the engine components behind an HTTP listener on
// port.
func NewServer(port int, logger *zap.Logger, sched *preload.Scheduler, p *pool.Pool,
	cache *swrcache.Cache, est *netquality.Estimator, fetcher *progressive.Fetcher,
	monitor *connectivity.Monitor) *Server {

	s := &Server{
		logger:    logger,
		scheduler: sched,
		pool:      p,
		cache:     cache,
		estimator: est,
		fetcher:   fetcher,
		monitor:   monitor,
		startTime: time.Now(),
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      gzhttp.GzipHandler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/viewport", s.handleViewport)
	r.Post("/connectivity", s.handleConnectivity)
	r.Delete("/cache/{category}", s.handleInvalidateCategory)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	activeStreams := 0
	if s.fetcher != nil {
		activeStreams = s.fetcher.ActiveStreams()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"network": map[string]any{
			"tier":         s.estimator.Current().String(),
			"speed_kbps":   s.estimator.Speed(),
			"connectivity": s.monitor.State().String(),
		},
		"pool": map[string]any{
			"size":    s.pool.Len(),
			"indices": s.pool.Indices(),
		},
		"cache":          s.cache.Stats(),
		"active_streams": activeStreams,
		"epoch":          s.scheduler.Epoch(),
	})
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid viewport payload", http.StatusBadRequest)
		return
	}
	if req.Index < 0 {
		http.Error(w, "index must be non-negative", http.StatusBadRequest)
		return
	}
	s.scheduler.OnViewportChanged(req.Index)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"index": req.Index,
		"epoch": s.scheduler.Epoch(),
	})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid connectivity payload", http.StatusBadRequest)
		return
	}
	var state connectivity.State
	switch req.State {
	case "offline":
		state = connectivity.StateOffline
	case "cellular":
		state = connectivity.StateCellular
	case "wifi":
		state = connectivity.StateWifi
	default:
		http.Error(w, "unknown connectivity state", http.StatusBadRequest)
		return
	}
	s.monitor.SetState(state)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInvalidateCategory(w http.ResponseWriter, r *http.Request) {
	cat, ok := swrcache.CategoryByName(chi.URLParam(r, "category"))
	if !ok {
		http.Error(w, "unknown cache category", http.StatusNotFound)
		return
	}
	s.cache.InvalidateCategory(cat)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
