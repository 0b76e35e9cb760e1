package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/api"
	"video-segmentation/internal/auth"
	"video-segmentation/internal/config"
	"video-segmentation/internal/db"
	"video-segmentation/internal/engine"
	"video-segmentation/internal/engine/worker"
	"video-segmentation/internal/events"
	"video-segmentation/internal/framestore"
	"video-segmentation/internal/repository"
	"video-segmentation/internal/service"
	"video-segmentation/internal/source"
	webrtcHandler "video-segmentation/internal/webrtc"
	"video-segmentation/pkg/ffmpeg"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)
	logger.Info("Starting Video Segmentation...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ffmpeg
	runner := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath)
	if err := runner.CheckInstallation(ctx); err != nil {
		logger.Fatalf("ffmpeg is not available: %v", err)
	}

	frames, err := framestore.New(cfg.FramesDir, cfg.FrameRate, cfg.JPEGQuality, runner, logger)
	if err != nil {
		logger.Fatalf("Failed to prepare frame storage: %v", err)
	}

	// Media sources
	opts := source.Options{
		AllowLocal: cfg.AllowLocalSources,
		MaxBytes:   cfg.MaxSourceBytes,
		Logger:     logger,
	}
	if cfg.S3Enabled {
		downloader, err := source.NewS3Downloader(source.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			logger.Fatalf("Failed to create S3 client: %v", err)
		}
		opts.S3 = downloader
	}
	fetcher := source.NewFetcher(opts)

	// Segmentation engine
	eng, err := worker.Start(worker.Config{
		Command:     cfg.EngineCommand,
		Args:        cfg.WorkerArgs(),
		StopTimeout: cfg.EngineStopTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Failed to start segmentation engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Warn("Segmentation engine did not stop cleanly")
		}
	}()
	logger.WithField("command", cfg.EngineCommand).Info("Segmentation engine started")

	// closed by sessionService.Shutdown
	publisher := newPublisher(ctx, cfg, logger)

	deps := service.Dependencies{
		Frames:  frames,
		Sources: fetcher,
		Arena:   engine.NewArena(eng),
		Encoder: runner,
		Prober:  runner,
		Events:  publisher,
		Logger:  logger,
	}

	// PostgreSQL
	if cfg.PostgresEnabled {
		dbConn, err := db.ConnectPostgres(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbConn.Close()
		logger.Info("Database connected successfully")
		deps.Repository = repository.NewSessionRepository(dbConn)
	}

	sessionService := service.NewSessionService(deps)

	reaper := service.NewSessionReaper(sessionService, cfg.SessionTTL, cfg.CleanupInterval, cfg.OrphanMaxAge)
	reaper.Start(ctx)

	var rtc *webrtcHandler.StreamHandler
	if cfg.WebRTCEnabled {
		rtc = webrtcHandler.NewStreamHandler(sessionService, webrtcHandler.Config{
			STUNServers: cfg.STUNServers,
		}, logger)
	}

	var tokens *auth.TokenManager
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, 0)
		logger.Info("Bearer token authentication enabled")
	}

	// Setup HTTP server
	handler := api.NewHandler(sessionService, rtc, cfg, logger)
	router := api.SetupRoutes(handler, tokens, logger)
	server := api.NewHTTPServer(cfg, router, ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server...")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Propagation streams never go idle on their own, so end them before
	// waiting on the listener.
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}
	if rtc != nil {
		rtc.Close()
	}
	reaper.Wait()
	if err := sessionService.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Sessions were not released cleanly")
	}

	logger.Info("Server exited gracefully")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// newPublisher connects every enabled broker. A broker that cannot be reached
// is logged and skipped.
func newPublisher(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) events.Publisher {
	var publishers events.Multi

	if cfg.RabbitMQEnabled {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:           cfg.RabbitMQURL,
			Exchange:      cfg.RabbitMQExchange,
			RoutingPrefix: cfg.RabbitMQRoutingPrefix,
			Queue:         cfg.RabbitMQQueue,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, events will not be published there")
		} else {
			publishers = append(publishers, p)
		}
	}

	if cfg.MQTTEnabled {
		p, err := events.NewMQTTPublisher(ctx, events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("MQTT unavailable, events will not be published there")
		} else {
			publishers = append(publishers, p)
		}
	}

	if len(publishers) == 0 {
		return events.Noop{}
	}
	return publishers
}
