package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisv9 "github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	cfg "github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/health"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/session"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/temporal"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
)

func main() {
	// Root context for background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	conf, err := cfg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health manager and admin endpoints come up first so probes answer
	// while the rest of the service is still starting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Server.HealthPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", conf.Server.HealthPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	shutdownTracing, err := tracing.Initialize(conf.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Routing configuration, hot-reloaded from routing.yaml
	initialRouting, err := cfg.LoadRoutingConfig(conf.RoutingDir)
	if err != nil {
		logger.Warn("Invalid routing config; starting from defaults", zap.Error(err))
		initialRouting = nil
	}
	routingMgr := cfg.NewRoutingConfigManager(initialRouting, logger)

	var configMgr *cfg.ConfigManager
	if cm, err := cfg.NewConfigManager(conf.RoutingDir, logger); err != nil {
		logger.Warn("Config manager init failed; routing config will not hot-reload", zap.Error(err))
	} else {
		cm.RegisterValidator(cfg.RoutingFile, cfg.ValidateRoutingMap)
		cm.RegisterHandler(cfg.RoutingFile, routingMgr.HandleChange)
		if err := cm.Start(ctx); err != nil {
			logger.Warn("Config manager start failed", zap.Error(err))
		} else {
			configMgr = cm
		}
	}

	// Pending disambiguation sessions
	var sessions *session.Store
	if conf.Redis.Addr != "" {
		sessions, err = session.NewRedisStore(conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB,
			conf.Session.TTL, conf.Session.LocalCacheSize, logger)
		if err != nil {
			logger.Warn("Redis unavailable; sessions are process-local", zap.Error(err))
			sessions = nil
		} else {
			_ = hm.RegisterChecker(health.NewRedisHealthChecker(sessions.RedisWrapper(), logger))
		}
	}
	if sessions == nil {
		sessions = session.NewStore(nil, conf.Session.TTL, conf.Session.LocalCacheSize, logger)
	}
	defer sessions.Close()

	events := streaming.NewManager(getEnvOrDefaultInt("STREAMING_RING_CAPACITY", 256), logger)
	if conf.Redis.Addr != "" {
		streamClient := redisv9.NewClient(&redisv9.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer streamClient.Close()
		events.WithRedis(streamClient, conf.Redis.StreamMaxLen)
	}

	// Run history and usage accounting live in postgres when configured
	var runs *db.Client
	if dsn := conf.Postgres.DSN(); dsn != "" {
		runs, err = db.NewClient(&db.Config{DSN: dsn}, logger)
		if err != nil {
			logger.Warn("Database unavailable; runs will not be persisted", zap.Error(err))
			runs = nil
		} else {
			defer runs.Close()
			schemaCtx, cancelSchema := context.WithTimeout(ctx, 10*time.Second)
			if err := runs.EnsureSchema(schemaCtx); err != nil {
				logger.Error("Failed to ensure run schema", zap.Error(err))
			}
			cancelSchema()
			_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(runs.Wrapper(), logger))
			events.WithSink(runs.EventSink())
		}
	}

	var budgets *budget.Manager
	if runs != nil {
		budgets = budget.NewManager(runs.Wrapper(), logger, budget.LimitsFromConfig(routingMgr.Get().Budget))
		schemaCtx, cancelSchema := context.WithTimeout(ctx, 10*time.Second)
		if err := budgets.EnsureSchema(schemaCtx); err != nil {
			logger.Error("Failed to ensure usage schema", zap.Error(err))
		}
		cancelSchema()
	} else {
		budgets = budget.NewManager(nil, logger, budget.LimitsFromConfig(routingMgr.Get().Budget))
	}
	budgets.SetDefaultRateLimit(conf.RateLimit.RequestsPerMinute, conf.RateLimit.Burst)
	routingMgr.OnUpdate(func(rc *cfg.RoutingConfig) {
		budgets.SetLimits(budget.LimitsFromConfig(rc.Budget))
	})

	// Catalog tools and resolver candidates
	catalogDB, err := catalog.Open(conf.Catalog.Driver, conf.Catalog.DSN)
	if err != nil {
		logger.Fatal("Failed to open catalog", zap.Error(err))
	}
	defer catalogDB.Close()
	if conf.Catalog.SeedDemo {
		seedCtx, cancelSeed := context.WithTimeout(ctx, 30*time.Second)
		if err := catalog.SeedDemo(seedCtx, catalogDB); err != nil {
			logger.Warn("Failed to seed demo catalog", zap.Error(err))
		}
		cancelSeed()
	}
	_ = hm.RegisterChecker(health.PingChecker("catalog", true, catalogDB.PingContext))

	httpOracle := oracle.NewHTTPClient(conf.Oracle, logger)
	_ = hm.RegisterChecker(health.NewBreakerHealthChecker("oracle", true, httpOracle.BreakerState))
	llm := oracle.NewCachingOracle(httpOracle, conf.OracleCache.Size, conf.OracleCache.TTL)

	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	engine := pipeline.New(pipeline.Options{
		Oracle:     llm,
		Tools:      catalog.SQLTools(catalogDB),
		Candidates: catalog.NewSQLCandidates(catalogDB, 0),
		Routing:    routingMgr,
		Budgets:    budgets,
		Sessions:   sessions,
		Events:     events,
		Runs:       runs,
		MaxSteps:   getEnvOrDefaultInt("PIPELINE_MAX_STEPS", 0),
		Logger:     logger,
	})

	// Metrics endpoint
	go func() {
		port := cfg.MetricsPort(conf.Server.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", zap.Int("port", port))
		if err := http.ListenAndServe(":"+strconv.Itoa(port), mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Public API: ask, runs and event streams behind the auth middleware
	var jwtManager *auth.JWTManager
	if conf.Auth.Enabled && conf.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(conf.Auth.JWTSecret, 30*time.Minute)
		logger.Info("JWT authentication enabled")
	} else {
		logger.Warn("Authentication disabled; every request runs as the dev caller")
	}
	authMiddleware := auth.NewMiddleware(jwtManager, jwtManager == nil, logger)

	apiMux := http.NewServeMux()
	httpapi.NewAskHandler(engine, runs, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(events, logger).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(conf.Server.HTTPPort),
		Handler:     authMiddleware.HTTPMiddleware(apiMux),
		ReadTimeout: 10 * time.Second,
		// no write timeout: event streams stay open until the final event
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", conf.Server.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// gRPC health service mirrors the readiness of the health manager
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.Server.GRPCPort))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Int("port", conf.Server.GRPCPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	grpcHealth := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	reflection.Register(grpcServer)
	go func() {
		logger.Info("gRPC health service listening", zap.Int("port", conf.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if hm.IsReady(ctx) {
				status = healthpb.HealthCheckResponse_SERVING
			}
			grpcHealth.SetServingStatus("", status)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Optional Temporal worker for durable asks
	type temporalRuntime struct {
		worker worker.Worker
		close  func()
	}
	temporalReady := make(chan temporalRuntime, 1)
	if conf.Temporal.Enabled {
		go func() {
			host := conf.Temporal.HostPort
			for i := 1; i <= 60; i++ {
				if ctx.Err() != nil {
					return
				}
				conn, err := net.DialTimeout("tcp", host, 2*time.Second)
				if err == nil {
					_ = conn.Close()
					break
				}
				logger.Info("Waiting for Temporal TCP endpoint", zap.String("host", host), zap.Int("attempt", i))
				time.Sleep(1 * time.Second)
			}

			for attempt := 1; ; attempt++ {
				tc, err := temporal.Dial(host, conf.Temporal.Namespace, logger)
				if err == nil {
					w := temporal.NewWorker(tc, conf.Temporal.TaskQueue, engine, getEnvOrDefaultInt("WORKER_ACT", 10), logger)
					if err := w.Start(); err != nil {
						logger.Error("Temporal worker failed to start", zap.Error(err))
						tc.Close()
						return
					}
					logger.Info("Temporal worker started", zap.String("queue", conf.Temporal.TaskQueue))
					temporalReady <- temporalRuntime{worker: w, close: tc.Close}
					return
				}
				delay := time.Duration(attempt) * time.Second
				if delay > 15*time.Second {
					delay = 15 * time.Second
				}
				logger.Warn("Temporal not ready, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down catalogrouter")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	grpcHealth.Shutdown()
	grpcServer.GracefulStop()
	select {
	case rt := <-temporalReady:
		rt.worker.Stop()
		rt.close()
	default:
	}
	if configMgr != nil {
		_ = configMgr.Stop()
	}
	_ = hm.Stop()
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	_ = adminServer.Shutdown(shutdownCtx)
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
