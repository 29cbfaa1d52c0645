package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anonstream/internal/core/ports"
	"anonstream/internal/core/services"
	httphandlers "anonstream/internal/handlers/http"
	"anonstream/internal/infrastructure/capture"
	"anonstream/internal/infrastructure/debug"
	"anonstream/internal/infrastructure/detector"
	"anonstream/internal/infrastructure/encoder"
	"anonstream/internal/infrastructure/middleware"
	"anonstream/internal/infrastructure/monitoring"
	"anonstream/internal/infrastructure/reporting"
	signalling "anonstream/internal/infrastructure/signal"
	webrtcinfra "anonstream/internal/infrastructure/webrtc"
	"anonstream/pkg/config"
	"anonstream/pkg/distributed"
	"anonstream/pkg/logger"
	"anonstream/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("ANONSTREAM_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if cfg == nil || err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Could not load config, using defaults", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "anonstream",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker()

	// Anonymizer. Without a detector the pipeline either refuses to start
	// or streams unmodified frames, depending on detector.fail_open.
	var (
		anonymizer *services.Anonymizer
		personID   int
	)
	if cfg.Anonymizer.Enabled {
		det, err := detector.NewHTTPDetector(ctx, cfg.Detector, cfg.Anonymizer, log)
		switch {
		case err == nil:
			anonymizer = services.NewAnonymizer(cfg.Anonymizer, det, services.NewEllipticalDilator(), collector, log)
			personID = det.PersonClassID()
			health.AddDetectorCheck(det.BreakerState)
		case cfg.Detector.FailOpen:
			log.Errorw("Detector unavailable, streaming without anonymization", "error", err)
		default:
			log.Fatalw("Detector unavailable", "endpoint", cfg.Detector.Endpoint, "error", err)
		}
	}

	source, err := capture.NewFFmpegSource(cfg.Capture, log)
	if err != nil {
		log.Fatalw("Failed to start capture", "input", cfg.Capture.Input, "error", err)
	}

	enc, err := encoder.NewFFmpegEncoder(cfg.Encoder, log)
	if err != nil {
		log.Fatalw("Failed to start encoder", "error", err)
	}

	reporters := []ports.StatsReporter{reporting.NewLogReporter(log)}
	var (
		redisClient *redis.Client
		publisher   *reporting.RedisPublisher
		lease       *distributed.Lease
	)
	if cfg.Redis.Enabled {
		redisClient, err = reporting.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Warnw("Failed to connect to Redis, stats stay local", "error", err)
		} else {
			lease = distributed.NewLease(redisClient, "anonstream:publisher:"+cfg.Transport.StreamName, 15*time.Second, func(err error) {
				log.Errorw("Lost stream publisher lease", "stream", cfg.Transport.StreamName, "error", err)
			})
			acquired, err := lease.TryAcquire(ctx)
			switch {
			case err != nil:
				log.Warnw("Could not take stream publisher lease", "error", err)
				lease = nil
			case !acquired:
				log.Fatalw("Stream is already published by another instance", "stream", cfg.Transport.StreamName)
			}

			publisher = reporting.NewRedisPublisher(redisClient, cfg.Stats.RedisChannel, cfg.Transport.StreamName)
			reporters = append(reporters, publisher)
			health.AddRedisCheck(redisClient, 2*time.Second)
		}
	}
	stats := services.NewStatsAggregator(cfg.Stats.ReportInterval, log, reporters...)

	var (
		transport ports.TransportSink
		sink      *webrtcinfra.Sink
	)
	if cfg.Transport.Enabled {
		sink, err = webrtcinfra.NewSink(webrtcinfra.Config{
			StreamName: cfg.Transport.StreamName,
			ICEServers: cfg.Transport.ICEServers,
			MaxViewers: cfg.Transport.MaxViewers,
			FPS:        cfg.Encoder.FPS,
		}, log)
		if err != nil {
			log.Fatalw("Failed to create transport sink", "error", err)
		}
		transport = sink
	}

	worker := services.NewEncodingWorker(cfg, enc, transport, stats, collector, log)
	if sink != nil {
		sink.OnKeyframeRequest(worker.ForceKeyframe)
	}
	health.AddWorkerCheck(worker.Running)

	var authService ports.ViewerAuthService
	if cfg.Auth.Enabled {
		authService = services.NewViewerAuthService(cfg.Auth.JWTSecret, cfg.Auth.ViewerTokenTTL, cfg.Transport.StreamName)
	}

	pipeline := services.NewPipelineService(cfg, source, anonymizer, worker, stats, logger.NewContextLogger(zapLogger))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var protect gin.HandlerFunc
	if authService != nil {
		protect = middleware.AuthMiddleware(authService)
	}
	handler := httphandlers.NewPipelineHandler(pipeline, authService, debug.NewRenderer(personID), cfg.Detector.JPEGQuality)
	handler.SetupRoutes(router, protect)
	defer handler.Close()

	var wsServer *signalling.WebSocketServer
	if sink != nil {
		wsServer = signalling.NewWebSocketServer(sink, authService, signalling.Options{
			PingInterval:   cfg.Transport.PingInterval,
			PongTimeout:    cfg.Transport.PongTimeout,
			AllowedOrigins: cfg.Auth.AllowedOrigins,
		}, log)
		router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := worker.Start(ctx); err != nil {
		log.Fatalw("Failed to start encoding worker", "error", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting anonstream server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- pipeline.Run(ctx)
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case err := <-pipelineDone:
		if err != nil {
			log.Errorw("Pipeline stopped", "error", err)
		} else {
			log.Info("Input ended")
		}
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}
	stop()

	log.Info("Shutting down anonstream...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if wsServer != nil {
		wsServer.Close()
	}
	if err := source.Close(); err != nil {
		log.Warnw("Error closing capture", "error", err)
	}

	totals, err := worker.Stop(shutdownCtx)
	if err != nil {
		log.Errorw("Error stopping encoding worker", "error", err)
	}
	if publisher != nil {
		if err := publisher.PublishTotals(shutdownCtx, totals); err != nil {
			log.Warnw("Failed to publish session totals", "error", err)
		}
	}
	if lease != nil {
		if err := lease.Release(shutdownCtx); err != nil {
			log.Warnw("Error releasing stream publisher lease", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warnw("Error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer", "error", err)
	}

	log.Info("anonstream stopped")
}
