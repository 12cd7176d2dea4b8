package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/core/services"
	httphandlers "voicechat/internal/handlers/http"
	"voicechat/internal/infrastructure/distributed"
	"voicechat/internal/infrastructure/middleware"
	"voicechat/internal/infrastructure/monitoring"
	signalinfra "voicechat/internal/infrastructure/signal"
	webrtcinfra "voicechat/internal/infrastructure/webrtc"
	"voicechat/pkg/circuitbreaker"
	"voicechat/pkg/config"
	"voicechat/pkg/logger"
	"voicechat/pkg/tracing"
	"voicechat/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, string) {
	configPaths := []string{
		os.Getenv("VOICECHAT_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voicechat/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config %s: %v\n", path, err)
			os.Exit(1)
		}
		return cfg, path
	}
	// Load applies env overrides and validation to the defaults too.
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg, "defaults"
}

func main() {
	cfg, source := loadConfig()

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "source", source)

	if err := run(cfg, zapLogger); err != nil {
		log.Errorw("voicechat server stopped with error", "error", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	engine := webrtcinfra.NewEngine(webrtcinfra.ConfigFrom(cfg.Engine), collector, log)
	pool, err := services.NewResourcePool(ctx, engine, services.PoolConfig{
		Workers: cfg.Engine.Workers,
		Codecs:  webrtcinfra.CodecsFrom(cfg.Engine),
	}, collector, log)
	if err != nil {
		return fmt.Errorf("failed to start media workers: %w", err)
	}
	defer pool.Close()
	log.Infow("media workers started", "workers", pool.WorkerCount())

	registry := services.NewRoomRegistry(pool, domain.RoomNames(cfg.Rooms))

	checker := monitoring.NewHealthChecker()
	checker.AddEngineCheck(pool)

	var events ports.EventPublisher = distributed.NopPublisher{}
	if cfg.Redis.Enabled {
		client, err := distributed.NewRedisClient(ctx, distributed.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return err
		}
		defer client.Close()

		bus := distributed.NewEventBus(client, utils.GenerateInstanceID(), cfg.Redis.Channel, log)
		events = distributed.NewGuardedPublisher(bus, circuitbreaker.DefaultConfig(), log)
		checker.AddRedisCheck(client, 2*time.Second)

		go func() {
			err := bus.Subscribe(ctx, func(e *distributed.Event) error {
				log.Debugw("remote room event",
					"instance_id", e.InstanceID,
					"type", e.Type,
					"room", e.Room,
					"username", e.Username)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("presence subscription ended", "error", err)
			}
		}()
	}

	hub := signalinfra.NewHub(log)
	dispatcher := signalinfra.NewDispatcher(registry, hub, events, collector, signalinfra.DispatcherConfig{}, zapLogger)
	wsServer := signalinfra.NewWebSocketServer(dispatcher, signalinfra.ServerConfigFrom(cfg), zapLogger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))
	httphandlers.NewRoomHandler(registry).SetupRoutes(router)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}
	if cfg.Server.StaticPath != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.Server.StaticPath))))
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long-lived websocket connections; the
		// signaling server sets per-message write deadlines instead.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting voicechat server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-pool.Fatal():
		log.Errorw("media worker died, shutting down", "error", err)
		runErr = err
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Infow("Shutting down voicechat server...", "connections", wsServer.ActiveConnections())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	log.Info("voicechat server stopped")
	return runErr
}
