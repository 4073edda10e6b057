package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"

	"github.com/gorilla/mux"

	"github.com/fit2garmin/gateway/internal/config"
	"github.com/fit2garmin/gateway/internal/handlers"
	"github.com/fit2garmin/gateway/internal/logger"
	"github.com/fit2garmin/gateway/internal/middleware"
	"github.com/fit2garmin/gateway/internal/ratelimit"
	"github.com/fit2garmin/gateway/internal/request"
	"github.com/fit2garmin/gateway/internal/security"
	"github.com/fit2garmin/gateway/internal/storage"
	"github.com/fit2garmin/gateway/internal/telemetry"
)

const serviceName = "fit2garmin-gateway"

func main() {
	// Parse command-line flags
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override debug mode if flag is set
	debugMode := cfg.ServerDebugMode || *debugFlag

	// Initialize logger
	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if syncErr := logger.Sync(zapLogger); syncErr != nil {
			// Ignore sync errors in production
			_ = syncErr
		}
	}()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("frontend_url", cfg.FrontendURL),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	// Initialize OpenTelemetry if enabled
	var tracerProvider interface{ Shutdown(context.Context) error }
	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTELEndpoint)
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				tracerProvider = tp
				zapLogger.Info("otel_tracer_initialized",
					zap.String("endpoint", cfg.OTELEndpoint),
				)
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
		}
	}

	// Connect to the durable ledger
	ledger, err := storage.NewLedger(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}()

	if err := ledger.Migrate(context.Background()); err != nil {
		zapLogger.Fatal("failed_to_migrate_database", zap.Error(err))
	}
	zapLogger.Info("connected_to_database")

	// Connect to the Redis cache tier
	cache, err := storage.NewRedisCache(cfg.RedisURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_redis", zap.Error(err))
	}
	defer func() {
		if err := cache.Close(); err != nil {
			zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_redis")

	// Open the bulk archive tier
	archive, err := storage.NewFileArchive(cfg.ArchiveDir)
	if err != nil {
		zapLogger.Fatal("failed_to_open_archive", zap.Error(err), zap.String("dir", cfg.ArchiveDir))
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ratelimit.NewMetrics(registry)

	// Admission stack: coordinator over the three tiers, health monitor on
	// top selecting the least-degraded strategy.
	coordinator := ratelimit.NewCoordinator(ledger, cache, archive, zapLogger, metrics, ratelimit.CoordinatorConfig{
		Endpoints: cfg.Endpoints,
		CacheTTL:  cfg.CacheTTL,
		Freshness: cfg.CacheFreshness,
	})
	monitor := ratelimit.NewHealthMonitor(coordinator, zapLogger, metrics)

	// Security validator with its Redis-backed activity probe
	probeStore, err := redisstore.NewStore(cache.Client())
	if err != nil {
		zapLogger.Fatal("failed_to_create_probe_store", zap.Error(err))
	}
	validator := security.NewValidator(probeStore, cache, ledger, zapLogger)

	// Initialize handlers
	validateHandler := handlers.NewValidateHandler(validator, zapLogger)
	usageHandler := handlers.NewUsageHandler(coordinator, zapLogger)
	adminHandler := handlers.NewAdminHandler(coordinator, monitor, validator, zapLogger)
	healthChecker := handlers.NewHealthChecker(monitor)

	// Setup router
	r := mux.NewRouter()

	zapLogger.Info("setting_up_middleware")

	if cfg.OTELEnabled && tracerProvider != nil {
		r.Use(otelmux.Middleware(serviceName))
		zapLogger.Info("otel_middleware_enabled")
	}
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))
	r.Use(middleware.ContentType)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ErrorHandler(zapLogger))
	r.Use(middleware.Logging(zapLogger))

	// Public routes (no admission control for health checks or metrics)
	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.HandleFunc("/health", healthChecker.HealthCheck).Methods("GET") // Legacy endpoint
	r.HandleFunc("/version", versionInfo).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	// API v1 routes
	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	// Validation route, admitted through the "validations" endpoint class
	validateRouter := apiRouter.PathPrefix("/validate").Subrouter()
	validateRouter.Use(middleware.Admission(monitor, validator, "validations", zapLogger))
	validateRouter.HandleFunc("", validateHandler.ValidateFiles).Methods("POST")

	// Usage is read-only and cheap; screened but not window-limited
	apiRouter.HandleFunc("/usage/{id}", usageHandler.GetUsage).Methods("GET")

	// Operator surface
	adminRouter := apiRouter.PathPrefix("/admin").Subrouter()
	adminHandler.RegisterRoutes(adminRouter)

	// CORS for the converter frontend
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.FrontendURL},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", request.FingerprintHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}).Handler(r)

	// Setup server
	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        corsHandler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB max header size
	}

	// Background work: tier probes keep circuit state honest, maintenance
	// prunes expired state and flushes buffered analytics.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		monitor.Probe(ctx)
	}); err != nil {
		zapLogger.Fatal("failed_to_schedule_probe", zap.Error(err))
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		report, err := coordinator.PerformMaintenance(ctx)
		if err != nil {
			zapLogger.Warn("scheduled_maintenance_failed", zap.Error(err))
			return
		}
		zapLogger.Info("scheduled_maintenance_complete",
			zap.Int64("ledger_purged", report.LedgerPurged),
			zap.Int("memory_swept", report.MemorySwept),
			zap.Int("events_flushed", report.EventsFlushed),
		)
	}); err != nil {
		zapLogger.Fatal("failed_to_schedule_maintenance", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start server in a goroutine
	go func() {
		zapLogger.Info("server_starting",
			zap.String("port", cfg.ServerPort),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Fatal("server_forced_to_shutdown", zap.Error(err))
	}

	// Flush whatever analytics remain buffered before exit
	if err := coordinator.FlushAnalytics(ctx); err != nil {
		zapLogger.Warn("final_analytics_flush_failed", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	// Only expose minimal version info (sanitized for security)
	if _, err := fmt.Fprintf(w, `{"version":"1.0.0","timestamp":"%s"}`, time.Now().UTC().Format(time.RFC3339)); err != nil {
		_ = err
	}
}
