package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/internal/application/engine"
	"github.com/taskmesh/taskmesh/internal/application/modsync"
	"github.com/taskmesh/taskmesh/internal/config"
	wsdispatch "github.com/taskmesh/taskmesh/pkg/adapters/dispatch/websocket"
	redisevents "github.com/taskmesh/taskmesh/pkg/adapters/events/redis"
	"github.com/taskmesh/taskmesh/pkg/adapters/metrics/prometheus"
	"github.com/taskmesh/taskmesh/pkg/adapters/planner"
	redisstorage "github.com/taskmesh/taskmesh/pkg/adapters/storage/redis"
	"github.com/taskmesh/taskmesh/pkg/api/grpc"
	"github.com/taskmesh/taskmesh/pkg/api/http"
	"github.com/taskmesh/taskmesh/pkg/api/websocket"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting taskmesh orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	eventBus, err := redisevents.NewStreamsEventBus(
		redisClient,
		"taskmesh-workers",
		fmt.Sprintf("taskmesh-%d", os.Getpid()),
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create event bus", zap.Error(err))
	}

	snapshotStorage := redisstorage.NewSnapshotStorage(
		redisClient,
		cfg.Timeouts.SnapshotTTL,
		logger,
	)

	metricsCollector := prometheus.NewCollector()

	// Initialize application components. The engine registers and
	// resolves modification markers itself, so the synchronizer is not
	// separately attached to the bus here.
	synchronizer := modsync.New(cfg.Timeouts.ModificationTimeout, metricsCollector, logger)

	deviceManager := devices.NewManager(logger)
	dispatcher := wsdispatch.NewDispatcher(cfg.Devices.DialTimeout, logger)

	healthMonitor := devices.NewHealthMonitor(
		deviceManager,
		dispatcher,
		metricsCollector,
		cfg.Devices.HealthCheckInterval,
		logger,
	)
	healthMonitor.Start()

	eng := engine.New(
		eventBus,
		dispatcher,
		synchronizer,
		deviceManager,
		snapshotStorage,
		metricsCollector,
		logger,
		engine.Config{
			NodeTimeout:  cfg.Timeouts.NodeExecutionTimeout,
			AwaitPlanner: cfg.Planner.Enabled,
		},
	)
	service := engine.NewService(eng, logger)

	// Attach the planner when configured
	if cfg.Planner.Enabled {
		plan, err := planner.New(&planner.Config{
			Provider:       cfg.Planner.Provider,
			APIKey:         cfg.Planner.APIKey,
			Model:          cfg.Planner.Model,
			MaxTokens:      cfg.Planner.MaxTokens,
			RequestTimeout: cfg.Planner.RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			logger.Fatal("failed to create planner", zap.Error(err))
		}
		if err := plan.Attach(ctx, eventBus); err != nil {
			logger.Fatal("failed to attach planner", zap.Error(err))
		}
		logger.Info("planner attached",
			zap.String("provider", cfg.Planner.Provider),
			zap.String("model", cfg.Planner.Model))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:    cfg.HTTPPort,
		Service: service,
		Devices: deviceManager,
		Health:  healthMonitor,
		Dialer:  dispatcher,
		Logger:  logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:    cfg.GRPCPort,
		Service: service,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("taskmesh orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	healthMonitor.Stop()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}

	if err := dispatcher.Close(); err != nil {
		logger.Error("dispatcher close error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("taskmesh orchestrator shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
