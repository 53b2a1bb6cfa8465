package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apigate/internal/api"
	"apigate/internal/config"
	"apigate/internal/credential"
	"apigate/internal/gate"
	"apigate/internal/logger"
	"apigate/internal/models"
	"apigate/internal/observability"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/usage"
	"apigate/internal/version"
)

var configFile = flag.String("config", "", "Path to configuration file")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ver := version.GetInfo()

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize storage
	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Wrap storage with instrumentation if metrics are enabled
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(store)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		store = instrumented
	}

	if err := seedPlans(context.Background(), store, cfg); err != nil {
		slog.Error("Failed to seed plans", "error", err)
		os.Exit(1)
	}
	if err := seedBootstrapCredential(context.Background(), store); err != nil {
		slog.Error("Failed to seed bootstrap credential", "error", err)
		os.Exit(1)
	}

	// Admission pipeline: cache over the store, sliding windows, policy map.
	cache := credential.NewCache(store, cfg.Gate.CacheTTL, cfg.Gate.StoreTimeout)
	defer cache.Close()

	limiter := ratelimit.NewSlidingLimiter(cfg.Gate.CleanupInterval)
	defer limiter.Close()

	policies := gate.NewPolicyResolver(cfg.PlansOrDefault(), cfg.EndpointPolicies())

	var admitter gate.Admitter = gate.New(cache, limiter, policies, log)
	if cfg.Metrics.Enabled {
		instrumentedGate, err := observability.NewInstrumentedGate(admitter)
		if err != nil {
			slog.Error("Failed to create instrumented gate", "error", err)
			os.Exit(1)
		}
		admitter = instrumentedGate
	}

	recorder := usage.NewRecorder(store, cfg.Gate.UsageQueueSize, cfg.Gate.StoreTimeout, cfg.Gate.UsageMaxRetry, log)

	if cfg.Metrics.Enabled {
		if _, err := observability.RegisterPipelineMetrics(cache, recorder); err != nil {
			slog.Error("Failed to register pipeline metrics", "error", err)
			os.Exit(1)
		}
	}

	proxy, err := api.NewUpstreamProxy(cfg.Upstream, log)
	if err != nil {
		slog.Error("Failed to initialize upstream proxy", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(admitter, store, cache, recorder, proxy, ver.Version)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	// Anonymous per-IP limiter sits in front of the gate
	if cfg.Gate.IPRateLimit.Enabled {
		ipCfg := cfg.Gate.IPRateLimit
		ipLimiter := ratelimit.NewBucketLimiter(ipCfg.RequestsPerMinute, ipCfg.Burst, cfg.Gate.CleanupInterval)
		defer ipLimiter.Close()
		routeOpts = append(routeOpts, api.WithIPRateLimiter(ratelimit.IPMiddleware(ipLimiter)))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server", "addr", server.Addr, "upstream", cfg.Upstream.BaseURL)

		var err error
		if cfg.Server.TLSEnabled {
			if cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "" {
				slog.Error("TLS is enabled but cert file or key file is not specified")
				os.Exit(1)
			}
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Drain remaining usage rows before the store closes.
	recorder.Close(10 * time.Second)

	slog.Info("Server shutdown complete")
}

// seedPlans upserts the configured billing tiers so the admin API and the
// stats endpoint can resolve them. Idempotent across restarts.
func seedPlans(ctx context.Context, store storage.Storage, cfg *models.Config) error {
	for _, plan := range cfg.PlansOrDefault() {
		if err := store.SavePlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.ID, err)
		}
	}
	return nil
}

// seedBootstrapCredential inserts an operator credential from the environment
// if it does not already exist. It is a no-op when APIGATE_BOOTSTRAP_KEY is
// unset.
func seedBootstrapCredential(ctx context.Context, store storage.Storage) error {
	raw := os.Getenv("APIGATE_BOOTSTRAP_KEY")
	if raw == "" {
		return nil
	}
	hash := models.HashCredential(raw)
	if _, err := store.GetCredentialByHash(ctx, hash); err == nil {
		// Already seeded - idempotent.
		return nil
	}
	planID := os.Getenv("APIGATE_BOOTSTRAP_PLAN")
	if planID == "" {
		planID = "free"
	}
	rec := models.NewCredential("bootstrap", planID, raw)
	if err := store.SaveCredential(ctx, rec); err != nil {
		return fmt.Errorf("seed bootstrap credential: %w", err)
	}
	slog.Info("bootstrap credential seeded", "id", rec.ID, "prefix", rec.Prefix, "plan", planID)
	return nil
}
