package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robovoice/playout/internal/audio"
	"github.com/robovoice/playout/internal/config"
	"github.com/robovoice/playout/internal/device"
	"github.com/robovoice/playout/internal/metrics"
	"github.com/robovoice/playout/internal/playback"
	"github.com/robovoice/playout/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "playout-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("device_base_url", cfg.Device.BaseURL),
		slog.String("device_event_url", cfg.Device.EventURL),
		slog.Int("source_rate", cfg.Audio.SourceRate),
		slog.Int("device_rate", cfg.Audio.DeviceRate),
		slog.Bool("chunking", cfg.Audio.Chunking),
		slog.Float64("chunk_duration", cfg.Audio.ChunkDuration),
		slog.Bool("pipelining", cfg.Playback.Pipelining),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Delivery channel to the playback device
	deviceClient, err := device.NewClient(device.Config{
		BaseURL:        cfg.Device.BaseURL,
		Timeout:        cfg.Device.GetTimeoutDuration(),
		UploadAttempts: cfg.Device.UploadAttempts,
		RetryDelay:     cfg.Device.GetRetryDelayDuration(),
		Volume:         cfg.Device.Volume,
		Observer:       appMetrics,
	}, logger)
	if err != nil {
		logger.Error("Failed to create device client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Device client initialized", slog.String("base_url", cfg.Device.BaseURL))

	// Playback-complete event feed
	listener := device.NewListener(cfg.Device.EventURL, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener.Start(ctx)
	logger.Info("Device event feed listener started", slog.String("event_url", cfg.Device.EventURL))

	// Audio pipeline
	segmenter := audio.NewSegmenter(audio.SegmenterConfig{
		ChunkDuration: cfg.Audio.GetChunkDuration(),
		SampleRate:    cfg.Audio.SourceRate,
		Chunking:      cfg.Audio.Chunking,
	})
	transcoder, err := audio.NewTranscoder(cfg.Audio.SourceRate, cfg.Audio.DeviceRate)
	if err != nil {
		logger.Error("Failed to create transcoder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Cleanup worker pool
	cleaner := playback.NewCleaner(deviceClient, playback.CleanerConfig{
		Workers:   cfg.Playback.CleanupWorkers,
		QueueSize: cfg.Playback.CleanupQueueSize,
	}, appMetrics, logger)

	// Orchestrator notifications. The conversation layer is an external
	// collaborator; until one subscribes, terminal states are logged.
	events := playback.Events{
		OnFirstAudio: func(sessionID string) {
			logger.Info("Session speaking", slog.String("session_id", sessionID))
		},
		OnSessionComplete: func(sessionID string) {
			logger.Info("Session playback finished", slog.String("session_id", sessionID))
		},
		OnSessionAborted: func(sessionID, reason string) {
			logger.Info("Session playback aborted",
				slog.String("session_id", sessionID),
				slog.String("reason", reason),
			)
		},
	}

	// Playback scheduler
	scheduler := playback.NewScheduler(playback.Config{
		Pipelining:         cfg.Playback.Pipelining,
		AdvanceMargin:      cfg.Playback.GetAdvanceMarginDuration(),
		StrictMode:         cfg.Playback.StrictMode,
		SessionIdleTimeout: cfg.Playback.GetSessionIdleTimeoutDuration(),
	}, segmenter, transcoder, deviceClient, listener, cleaner, events, appMetrics, logger)
	logger.Info("Playback scheduler initialized",
		slog.Bool("pipelining", cfg.Playback.Pipelining),
		slog.Duration("advance_margin", cfg.Playback.GetAdvanceMarginDuration()),
		slog.Bool("strict_mode", cfg.Playback.StrictMode),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, scheduler, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("HTTP API server started",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new sessions)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the scheduler (aborts in-progress sessions, sweeps handles)
	scheduler.Stop()

	// Stop the event feed, then drain cleanup deletions
	listener.Stop()
	cleaner.Stop()

	// Log final statistics
	stats := scheduler.Stats()
	logger.Info("Final service statistics",
		slog.Uint64("sessions_created", stats.SessionsCreated),
		slog.Uint64("sessions_completed", stats.SessionsCompleted),
		slog.Uint64("sessions_aborted", stats.SessionsAborted),
		slog.Uint64("chunks_played", stats.ChunksPlayed),
		slog.Uint64("chunks_skipped", stats.ChunksSkipped),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
