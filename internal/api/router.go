package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/livetrack/internal/middleware"
	"github.com/onnwee/livetrack/internal/realtime"
	"github.com/onnwee/livetrack/internal/session"
)

// Relay is everything the HTTP surface needs from the relay facade.
type Relay interface {
	TrackService
	realtime.Relay
}

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Relay    Relay
	Sessions session.Repository
	Health   *HealthHandlers
	Logger   *slog.Logger

	// Metrics records HTTP and rate-limit metrics; nil disables HTTPMetrics.
	Metrics         *middleware.Metrics
	RealtimeMetrics *realtime.Metrics
	// Gatherer is exposed on /metrics when set.
	Gatherer prometheus.Gatherer

	// RateLimitStore guards write endpoints when set.
	RateLimitStore middleware.RateLimitStore
	IngestLimit    middleware.RateLimitConfig
	GenerateLimit  middleware.RateLimitConfig

	AllowedOrigins []string
	// TracingServiceName enables the tracing middleware when non-empty.
	TracingServiceName string
	SendQueueSize      int
}

// NewRouter builds the chi router with the middleware chain
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := cfg.Health
	if health == nil {
		health = NewHealthHandlers(HealthHandlersConfig{MetricsEnabled: cfg.Gatherer != nil})
	}

	locations := NewLocationHandlers(cfg.Relay)
	tracks := NewTrackHandlers(cfg.Relay)
	sessions := NewSessionHandlers(cfg.Sessions)
	ws := NewRealtimeHandlers(RealtimeConfig{
		Relay:          cfg.Relay,
		AllowedOrigins: cfg.AllowedOrigins,
		SendQueueSize:  cfg.SendQueueSize,
		Metrics:        cfg.RealtimeMetrics,
		Logger:         logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TracingServiceName != "" {
		r.Use(middleware.Tracing(cfg.TracingServiceName))
	}
	r.Use(middleware.Logging(logger))
	if cfg.Metrics != nil {
		r.Use(middleware.HTTPMetrics(cfg.Metrics))
	}
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
		MaxAge:         600,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, r, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	ingest := limiter(cfg.RateLimitStore, cfg.IngestLimit, middleware.DefaultIngestLimit(), cfg.Metrics)
	generate := limiter(cfg.RateLimitStore, cfg.GenerateLimit, middleware.DefaultGenerateLimit(), cfg.Metrics)

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", ws.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", health.Health)

		r.With(generate).Post("/track/generate", tracks.Generate)
		r.Get("/track/{trackId}/subscribers", tracks.Subscribers)

		r.With(ingest).Post("/location", locations.Submit)
		r.With(ingest).Post("/location/update", locations.Submit)
		r.With(ingest).Post("/location/deactivate/{trackId}", locations.Deactivate)
		r.Get("/location/{trackId}", locations.Current)
		r.Get("/path/{trackId}", locations.Path)

		r.Get("/session/{sessionId}", sessions.Get)
		r.Post("/session/{sessionId}", sessions.Save)
	})

	return r
}

// limiter returns a pass-through middleware when no store is configured.
func limiter(store middleware.RateLimitStore, cfg, fallback middleware.RateLimitConfig, metrics *middleware.Metrics) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Validate() != nil {
		cfg = fallback
	}
	return middleware.RateLimiter(store, cfg, middleware.IPKeyFunc(), metrics)
}
