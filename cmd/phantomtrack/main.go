package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phantomtrack/internal/blend"
	"phantomtrack/internal/config"
	"phantomtrack/internal/database"
	"phantomtrack/internal/generator"
	"phantomtrack/internal/jobs"
	"phantomtrack/internal/ngrok"
	"phantomtrack/internal/orchestrator"
	"phantomtrack/internal/scratch"
	"phantomtrack/internal/server"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Could not load .env file")
	}

	configPath := os.Getenv("PHANTOM_CONFIG")
	if configPath == "" {
		configPath = "./config.toml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	logger, err = cfg.Logging.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("Error configuring logger")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()
	db.SetMaxConnections(cfg.Database.MaxConnections)

	dir, err := scratch.New(cfg.Storage.ScratchDir)
	if err != nil {
		logger.WithError(err).Fatal("Error preparing scratch directory")
	}

	blender := blend.NewBlender(dir, blend.Options{
		MaxTracks:              cfg.Blend.MaxTracks,
		ManyTracksThreshold:    cfg.Blend.ManyTracksThreshold,
		ManyTracksCrossfadeCap: cfg.Blend.ManyTracksCrossfadeCap,
		Extensions:             cfg.Blend.SupportedFormats,
	}, logger)
	handle := generator.NewHandle(generator.NewLoader(cfg.Generator, logger), logger)
	orch := orchestrator.New(handle, blender, dir, orchestrator.ConfigFrom(cfg), logger)

	manager := jobs.NewManager(orch, db, cfg.Generator.MaxConcurrent, logger)
	manager.SetHistoryLimit(cfg.Database.HistoryLimit)
	defer manager.Close()

	tunnel, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring ngrok")
	}

	// Create and configure the studio server
	studio, err := server.NewStudioServer(server.Deps{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Handle:  handle,
		Blender: blender,
		Jobs:    manager,
		Scratch: dir,
		Tunnel:  tunnel,
	})
	if err != nil {
		logger.WithError(err).Fatal("Error creating studio server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Generator.PreloadOnStartup {
		go func() {
			if err := handle.Preload(ctx); err != nil {
				logger.WithError(err).Warn("Model preload failed, it will be retried on the first request")
			}
		}()
	}

	if cfg.Database.JobRetentionHours > 0 {
		go cleanupJobs(ctx, manager, time.Duration(cfg.Database.JobRetentionHours)*time.Hour, logger)
	}

	if err := studio.Start(ctx); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}

	logger.Info("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := studio.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown failed")
	}
}

// cleanupJobs drops finished jobs past the retention window once an hour
func cleanupJobs(ctx context.Context, manager *jobs.Manager, retention time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := manager.CleanupCompletedJobs(retention); n > 0 {
				logger.WithField("removed", n).Info("Cleaned up finished jobs")
			}
		case <-ctx.Done():
			return
		}
	}
}
