// Package main is the entry point for the gatekeep API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/gatekeep/internal/api"
	"github.com/onnwee/gatekeep/internal/archive"
	"github.com/onnwee/gatekeep/internal/auth"
	"github.com/onnwee/gatekeep/internal/config"
	"github.com/onnwee/gatekeep/internal/health"
	"github.com/onnwee/gatekeep/internal/jobs"
	"github.com/onnwee/gatekeep/internal/middleware"
	"github.com/onnwee/gatekeep/internal/security"
	"github.com/onnwee/gatekeep/internal/storage/postgres"
	"github.com/onnwee/gatekeep/internal/tracing"
)

const (
	serviceName = "gatekeep-api"

	// eventQueueSize bounds the async security event queue. Overflow drops
	// events and increments a counter rather than stalling request handling.
	eventQueueSize = 256

	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// app holds the assembled server and the resources that need teardown.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler

	sweeper *security.Sweeper
	events  *security.EventLogger
	tracer  *tracing.Provider
	db      *sql.DB
	redis   *redis.Client
}

// buildApp wires every component from config. Callers own the returned
// app and must call shutdown.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	tracer, err := tracing.NewProvider(tracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer

	// Store: PostgreSQL when configured, in-memory otherwise.
	var store security.Store
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.shutdown(ctx)
			return nil, err
		}
		a.db = db
		store = postgres.NewStore(db, logger)
		logger.Info("using postgres store")
	} else {
		store = security.NewMemoryStore()
		logger.Info("using in-memory store; events are lost on restart")
	}

	// Rate limiter: Redis-backed sliding window when configured, in-process
	// otherwise.
	rateLimit := security.RateLimitConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}
	var limiter security.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		limiter = security.NewRedisLimiter(a.redis, rateLimit, logger)
		logger.Info("using redis rate limiter")
	} else {
		limiter = security.NewSlidingWindowLimiter(rateLimit)
	}

	// Metrics, all on one registry.
	registry := prometheus.NewRegistry()
	secMetrics := security.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{
		secMetrics.Register, httpMetrics.Register, jobMetrics.Register,
	} {
		if err := register(registry); err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// Security engine components.
	hasher := security.NewHasher(cfg.HashSecret)
	detector := security.NewDetector(cfg.SuspiciousPatterns)
	a.events = security.NewEventLogger(store, logger, secMetrics, eventQueueSize)
	cache := security.NewBlockCache(store, time.Duration(cfg.BlockCacheTTLMinutes)*time.Minute, logger)
	engine := security.NewEngine(store, cache, a.events, logger, secMetrics)
	tokens := security.NewTokenService(cfg.TokenSecret, time.Duration(cfg.TokenExpiryHours)*time.Hour, logger)
	a.sweeper = security.NewSweeper(security.SweeperConfig{
		Interval:   time.Duration(cfg.SweepIntervalMinutes) * time.Minute,
		Threshold:  cfg.AutoBlockThreshold,
		Timeout:    time.Minute,
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, store, engine)

	// Warm the block cache so known-bad identifiers are denied from the
	// first request.
	if err := cache.Refresh(ctx); err != nil {
		logger.Warn("initial block cache refresh failed", slog.String("error", err.Error()))
	}

	// Live event feed over WebSocket.
	feed := api.NewEventFeed()
	a.events.Notify(feed.Publish)

	var uploader *archive.Uploader
	if cfg.ArchiveConfigured() {
		uploader, err = archive.NewUploader(archive.UploaderConfig{
			BucketName:      cfg.ArchiveBucketName,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
		})
		if err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("init archive uploader: %w", err)
		}
	}

	handlers := api.NewSecurityHandlers(api.SecurityHandlersConfig{
		Store:             store,
		Engine:            engine,
		Hasher:            hasher,
		Tokens:            tokens,
		Events:            a.events,
		Uploader:          uploader,
		SimulationEnabled: cfg.SimulationEnabled,
	})

	healthCfg := api.HealthHandlersConfig{}
	if a.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(a.db)
	}
	if a.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(a.redis)
	}
	healthHandlers := api.NewHealthHandlers(healthCfg)

	// Dual-key mode keeps tokens signed with the previous secret valid
	// while a rotation is in progress.
	var jwtService *auth.JWTService
	if current, previous := cfg.GetJWTSecrets(); previous != "" {
		jwtService = auth.NewJWTServiceWithRotation(current, previous)
	} else {
		jwtService = auth.NewJWTService(current)
	}
	admin := auth.RequireAdmin(jwtService)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandlers.Health)
	mux.HandleFunc("GET /ready", healthHandlers.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.Handle("GET /security/stats", admin(http.HandlerFunc(handlers.GetStats)))
	mux.Handle("GET /security/suspicious-activities", admin(http.HandlerFunc(handlers.ListSuspiciousActivities)))
	mux.Handle("GET /security/blocked-ips", admin(http.HandlerFunc(handlers.ListBlockedIdentifiers)))
	mux.Handle("POST /security/block-ip", admin(http.HandlerFunc(handlers.BlockIdentifier)))
	mux.Handle("POST /security/unblock-ip", admin(http.HandlerFunc(handlers.UnblockIdentifier)))
	mux.Handle("GET /security/logs/", admin(http.HandlerFunc(handlers.GetSecurityLogs)))
	mux.Handle("POST /security/generate-token", admin(http.HandlerFunc(handlers.GenerateToken)))
	mux.Handle("POST /security/verify-token", admin(http.HandlerFunc(handlers.VerifyToken)))
	mux.Handle("POST /security/test-simulate-attack", admin(http.HandlerFunc(handlers.SimulateAttack)))
	mux.Handle("POST /security/export", admin(http.HandlerFunc(handlers.Export)))
	mux.Handle("GET /security/events/live", admin(handlers.LiveEvents(feed)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			reqCtx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, reqCtx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"gatekeep","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	gateway := security.NewGateway(security.GatewayConfig{
		Hasher:             hasher,
		Cache:              cache,
		Limiter:            limiter,
		Detector:           detector,
		Events:             a.events,
		Store:              store,
		Engine:             engine,
		Metrics:            secMetrics,
		Logger:             logger,
		AutoBlockThreshold: cfg.AutoBlockThreshold,
		RelaxedCSPPaths:    cfg.RelaxedCSPPaths,
		StampSecret:        cfg.StampSecret,
		// Operator routes bypass the gateway checks: block reasons and
		// exports legitimately quote attack traffic, and admin authz is
		// already enforced by the JWT middleware on these routes.
		ExemptPathPrefixes: []string{"/security/"},
	})

	// Middleware chain, outermost first: request ID, tracing, logging,
	// HTTP metrics, CORS, then the security gateway in front of the mux.
	handler := gateway.Middleware(mux)
	if origins := corsOrigins(); len(origins) > 0 {
		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		})(handler)
	}
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if tracer.IsEnabled() {
		handler = middleware.Tracing(serviceName)(handler)
	}
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// shutdown releases everything buildApp acquired. Safe to call on a
// partially built app.
func (a *app) shutdown(ctx context.Context) {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close failed", slog.String("error", err.Error()))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// tracingConfig reads the tracing settings. These stay env-only since they
// concern the deployment, not the security engine.
func tracingConfig(cfg *config.Config) tracing.Config {
	enabled := false
	switch strings.ToLower(os.Getenv("TRACING_ENABLED")) {
	case "true", "1", "yes", "on":
		enabled = true
	}
	exporter := os.Getenv("TRACING_EXPORTER")
	if exporter == "" {
		exporter = "otlp-http"
	}
	sampling := 1.0
	if v := os.Getenv("TRACING_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			sampling = f
		}
	}
	return tracing.Config{
		ServiceName:  serviceName,
		Enabled:      enabled,
		Environment:  cfg.Env,
		ExporterType: exporter,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		SamplingRate: sampling,
		InsecureMode: !cfg.IsProduction(),
	}
}

// corsOrigins parses the comma-separated CORS allow-list. Empty disables
// CORS entirely.
func corsOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Gatekeep API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	a, err := buildApp(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	a.sweeper.Start(sweepCtx)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Port), slog.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	stopSweeper()
	a.shutdown(ctx)

	logger.Info("server stopped")
}
