// Package heartbeat serves liveness, status and metrics of a running
// launcher on the worker heartbeat port.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/orchestrator-launcher/internal/report"
	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/ratelimit"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
	"github.com/psantana5/orchestrator-launcher/pkg/tracing"
)

// Handler serves the heartbeat API
type Handler struct {
	store    store.StatusStore
	gatherer prometheus.Gatherer
	failures *report.FailureLog
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	started  time.Time
	logger   *logging.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithFailureLog serves recent failed runs on /failures
func WithFailureLog(log *report.FailureLog) Option {
	return func(h *Handler) { h.failures = log }
}

// WithTracer traces every request
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) { h.tracer = tracer }
}

// WithRateLimit limits status queries per client
func WithRateLimit(rps float64, burst int) Option {
	return func(h *Handler) { h.limiter = ratelimit.NewLimiter(rps, burst) }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a handler reading from st and exposing gatherer
func NewHandler(st store.StatusStore, gatherer prometheus.Gatherer, opts ...Option) *Handler {
	h := &Handler{
		store:    st,
		gatherer: gatherer,
		started:  time.Now(),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the mux router
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	if h.tracer != nil {
		r.Use(tracing.HTTPMiddleware(h.tracer))
	}

	r.HandleFunc("/heartbeat", h.Heartbeat).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	r.Handle("/status", h.limited(h.ListStatus)).Methods("GET")
	r.Handle("/status/{name}", h.limited(h.GetStatus)).Methods("GET")
	r.Handle("/failures", h.limited(h.Failures)).Methods("GET")

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

func (h *Handler) limited(fn http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return fn
	}
	return h.limiter.Middleware(ratelimit.IPKeyFunc)(fn)
}

// Heartbeat answers as long as the launcher is alive
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Health reports whether the status store is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		h.logger.Warn(fmt.Sprintf("Health check failed: %v", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// GetStatus returns one status record
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := h.store.Get(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Status not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListStatus returns every status record
func (h *Handler) ListStatus(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// Failures returns recent unsuccessful runs, newest first
func (h *Handler) Failures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		writeJSON(w, http.StatusOK, []*report.Result{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.failures.Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Idle per-client limiters are dropped so the map does not grow with every
// client that ever asked
const (
	limiterSweepInterval = time.Minute
	limiterMaxIdle       = 10 * time.Minute
)

// Server runs the handler on a port
type Server struct {
	srv     *http.Server
	ln      net.Listener
	logger  *logging.Logger
	limiter *ratelimit.Limiter

	sweepInterval time.Duration
	maxIdle       time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	sweeper       sync.WaitGroup
}

// Listen binds addr (":9000") and returns a server ready to Serve
func Listen(addr string, h *Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:      h.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ln:            ln,
		logger:        h.logger,
		limiter:       h.limiter,
		sweepInterval: limiterSweepInterval,
		maxIdle:       limiterMaxIdle,
		stop:          make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown
func (s *Server) Serve() error {
	if s.limiter != nil {
		s.sweeper.Add(1)
		go func() {
			defer s.sweeper.Done()
			s.sweepLimiters()
		}()
	}

	s.logger.Info(fmt.Sprintf("Heartbeat server listening on %s", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepLimiters() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.limiter.CleanupOldLimiters(s.maxIdle); n > 0 {
				s.logger.Debug(fmt.Sprintf("Dropped %d idle rate limiters", n))
			}
		}
	}
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	err := s.srv.Shutdown(ctx)
	s.sweeper.Wait()
	return err
}
