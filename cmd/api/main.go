// Package main is the entry point for the relay server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livetrack/internal/api"
	"github.com/onnwee/livetrack/internal/broadcast"
	"github.com/onnwee/livetrack/internal/config"
	"github.com/onnwee/livetrack/internal/db"
	"github.com/onnwee/livetrack/internal/health"
	"github.com/onnwee/livetrack/internal/history"
	"github.com/onnwee/livetrack/internal/middleware"
	"github.com/onnwee/livetrack/internal/realtime"
	"github.com/onnwee/livetrack/internal/relay"
	"github.com/onnwee/livetrack/internal/session"
	"github.com/onnwee/livetrack/internal/subscription"
	"github.com/onnwee/livetrack/internal/track"
	"github.com/onnwee/livetrack/internal/tracing"
)

const (
	serviceName     = "livetrack"
	shutdownTimeout = 10 * time.Second
	// rateLimitCleanupInterval bounds memory held by the in-memory limiter.
	rateLimitCleanupInterval = time.Minute
)

// version is set at build time with -ldflags "-X main.version=...".
var version = tracing.DefaultServiceVersion

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("livetrack relay server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, newServer(a.handler), ln, logger)
}

// app holds the wired relay and the resources it owns.
type app struct {
	handler http.Handler
	relay   *relay.Relay
	pruner  *history.Pruner
	tracer  *tracing.Provider
	logger  *slog.Logger

	memLimiter *middleware.InMemoryRateLimitStore
	closers    []func() error
	stopBg     context.CancelFunc
}

// newApp builds the relay from cfg. Empty storage URLs select in-memory
// implementations so a bare binary is fully functional.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.OTelExporter,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.Env == "development",
		Logger:         logger,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to initialize tracing: %w", err))
	}
	a.tracer = tracer

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	relayMetrics := relay.NewMetrics()
	fanoutMetrics := broadcast.NewMetrics()
	wsMetrics := realtime.NewMetrics()
	pruneMetrics := history.NewMetrics()
	for _, m := range []interface {
		Register(prometheus.Registerer) error
	}{httpMetrics, relayMetrics, fanoutMetrics, wsMetrics, pruneMetrics} {
		if err := m.Register(reg); err != nil {
			return fail(fmt.Errorf("failed to register metrics: %w", err))
		}
	}

	healthCfg := api.HealthHandlersConfig{MetricsEnabled: true}
	var pruneTargets []history.PruneTarget

	// Track registry and rate limiting: Redis or in-memory.
	var registry track.Registry
	var limiter middleware.RateLimitStore
	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, client.Close)
		registry = track.NewRedisRegistry(client, cfg.HistoryHorizon)
		limiter = middleware.NewRedisRateLimitStore(client).WithMetrics(httpMetrics)
		healthCfg.RedisChecker = health.NewRedisChecker(client)
		logger.Info("using redis track registry")
	} else {
		mem := track.NewInMemoryRegistry()
		registry = mem
		pruneTargets = append(pruneTargets, history.PruneTarget{Name: "track_registry", Target: mem})
		a.memLimiter = middleware.NewInMemoryRateLimitStore()
		limiter = a.memLimiter
	}

	// Path history and sessions: PostgreSQL or in-memory.
	var store history.Store
	var sessions session.Repository
	if cfg.DatabaseURL != "" {
		conn, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, conn.Close)
		pg := history.NewPostgresStore(conn, history.Options{Horizon: cfg.HistoryHorizon})
		store = history.NewBreakerStore(pg, history.DefaultBreakerConfig(), logger)
		sessions = session.NewPostgresRepository(conn)
		healthCfg.DBChecker = health.NewDBChecker(conn)
		logger.Info("using postgres path history")
	} else {
		store = history.NewInMemoryStore(history.Options{
			Horizon:   cfg.HistoryHorizon,
			MaxPoints: cfg.HistoryMaxPoints,
		})
		sessions = session.NewInMemoryRepository()
	}
	pruneTargets = append(pruneTargets, history.PruneTarget{Name: "path_history", Target: store})

	table := subscription.NewTable()
	a.relay = relay.New(relay.Deps{
		Registry:    registry,
		Table:       table,
		History:     store,
		Broadcaster: broadcast.NewBroadcaster(table, fanoutMetrics, logger),
		Metrics:     relayMetrics,
		Logger:      logger,
	}, relay.Config{
		FreshnessThreshold: cfg.FreshnessThreshold,
		RequireIssuedIDs:   cfg.RequireIssuedIDs,
	})

	a.pruner = history.NewPruner(history.PrunerConfig{
		Horizon:  cfg.HistoryHorizon,
		Interval: cfg.PruneInterval,
	}, logger, pruneMetrics, pruneTargets...)

	routerCfg := api.RouterConfig{
		Relay:           a.relay,
		Sessions:        sessions,
		Health:          api.NewHealthHandlers(healthCfg),
		Logger:          logger,
		Metrics:         httpMetrics,
		RealtimeMetrics: wsMetrics,
		Gatherer:        reg,
		RateLimitStore:  limiter,
		IngestLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimitPerMinute,
			WindowDuration:    time.Minute,
		},
		GenerateLimit:  middleware.DefaultGenerateLimit(),
		AllowedOrigins: cfg.AllowedOrigins,
		SendQueueSize:  cfg.SendQueueSize,
	}
	if tracer.IsEnabled() {
		routerCfg.TracingServiceName = serviceName
	}
	a.handler = api.NewRouter(routerCfg)

	return a, nil
}

// Start launches the background workers. They stop when ctx is cancelled or on Close.
func (a *app) Start(ctx context.Context) {
	ctx, a.stopBg = context.WithCancel(ctx)
	a.pruner.Start(ctx)

	if a.memLimiter != nil {
		go func() {
			ticker := time.NewTicker(rateLimitCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.memLimiter.Cleanup()
				}
			}
		}()
	}
}

// Close stops background work and releases connections.
func (a *app) Close() {
	if a.stopBg != nil {
		a.stopBg()
		a.pruner.Stop()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil

	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to flush traces", "error", err)
		}
	}
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := db.Open(ctx, url, db.DefaultOptions())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serve runs srv on ln until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from a base context that is cancelled when
// shutdown begins, which ends open WebSocket sessions.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
