package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/telemetry"
)

const (
	defaultMaxUploadBytes = 50 << 20
	defaultEventsInterval = 500 * time.Millisecond
)

type Options struct {
	Logger              *zap.Logger
	UploadsDir          string
	MaxUploadBytes      int64
	RateLimiter         RateLimiter
	RateLimitUserHeader string
	Registry            *prometheus.Registry
	EventsInterval      time.Duration
	UI                  http.Handler
}

type Server struct {
	logger                *zap.Logger
	jobStore              store.JobStore
	dispatcher            Dispatcher
	uploadsDir            string
	maxUploadBytes        int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	eventsInterval        time.Duration
	upgrader              websocket.Upgrader
	ui                    http.Handler
	router                *chi.Mux
}

func NewServer(jobStore store.JobStore, dispatcher Dispatcher, opts Options) (*Server, error) {
	if jobStore == nil || dispatcher == nil {
		return nil, errors.New("job store and dispatcher are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	uploadsDir := opts.UploadsDir
	if uploadsDir == "" {
		uploadsDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}

	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	eventsInterval := opts.EventsInterval
	if eventsInterval <= 0 {
		eventsInterval = defaultEventsInterval
	}

	userHeader := opts.RateLimitUserHeader
	if userHeader == "" {
		userHeader = "X-User-ID"
	}

	registry := opts.Registry
	if registry == nil {
		registry = telemetry.NewRegistry()
	}

	s := &Server{
		logger:                logger.Named("api"),
		jobStore:              jobStore,
		dispatcher:            dispatcher,
		uploadsDir:            uploadsDir,
		maxUploadBytes:        maxUploadBytes,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userHeader,
		metrics:               newMetrics(registry),
		tracer:                otel.Tracer("mdflow/api"),
		eventsInterval:        eventsInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ui:     opts.UI,
		router: chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.metricsHandler())

	r.With(s.withRateLimit).Post("/convert", s.handleConvert)
	r.Get("/conversions", s.handleListConversions)
	r.Get("/conversions/{id}", s.handleGetConversion)
	r.Get("/conversions/{id}/download", s.handleDownload)
	r.Get("/conversions/{id}/events", s.handleEvents)

	if s.ui != nil {
		r.Handle("/", s.ui)
		r.Handle("/static/*", s.ui)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestError carries an HTTP status for failures that are not validation errors.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr *domain.ValidationError
		rerr *requestError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &rerr):
		writeJSON(w, rerr.status, map[string]string{"error": rerr.message})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
