package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"phantomtrack/internal/auth"
	"phantomtrack/internal/blend"
	"phantomtrack/internal/cache"
	"phantomtrack/internal/config"
	"phantomtrack/internal/generator"
	"phantomtrack/internal/jobs"
	"phantomtrack/internal/metadata"
	"phantomtrack/internal/ngrok"
	"phantomtrack/internal/scratch"
	"phantomtrack/pkg/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pinger reports whether the job history store is reachable
type Pinger interface {
	Ping() error
}

// Deps are the components the studio server is built from
type Deps struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      Pinger
	Handle  *generator.Handle
	Blender *blend.Blender
	Jobs    *jobs.Manager
	Scratch *scratch.Dir
	Tunnel  *ngrok.Service
}

// StudioServer serves the phantom track studio API
type StudioServer struct {
	config       *config.Config
	logger       *logrus.Logger
	db           Pinger
	handle       *generator.Handle
	blender      *blend.Blender
	jobs         *jobs.Manager
	scratch      *scratch.Dir
	extractor    *metadata.Extractor
	references   *cache.ReferenceCache
	registerMu   sync.Mutex
	guard        *auth.Guard
	limiter      *rate.Limiter
	watcher      *fsnotify.Watcher
	ngrokService *ngrok.Service
	httpServer   *http.Server
}

// NewStudioServer creates a new studio server instance
func NewStudioServer(deps Deps) (*StudioServer, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	cfg := deps.Config

	guard, err := auth.NewGuard(cfg.Server.AccessPassword)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	ss := &StudioServer{
		config:       cfg,
		logger:       logger,
		db:           deps.DB,
		handle:       deps.Handle,
		blender:      deps.Blender,
		jobs:         deps.Jobs,
		scratch:      deps.Scratch,
		extractor:    metadata.NewExtractor(cfg.Blend.SupportedFormats, logger),
		guard:        guard,
		ngrokService: deps.Tunnel,
	}

	if cfg.Server.GenerateRateLimit > 0 {
		perMinute := rate.Limit(float64(cfg.Server.GenerateRateLimit) / 60)
		ss.limiter = rate.NewLimiter(perMinute, cfg.Server.GenerateRateLimit)
	}

	ttl := time.Duration(cfg.Storage.ReferenceTTLMinutes) * time.Minute
	ss.references = cache.NewReferenceCache(ttl, ss.onReferenceExpired)

	return ss, nil
}

// Handler returns the routed and wrapped HTTP handler
func (ss *StudioServer) Handler() http.Handler {
	mux := http.NewServeMux()
	ss.setupRoutes(mux)

	var handler http.Handler = mux
	handler = ss.authMiddleware(handler)
	handler = ss.corsMiddleware(handler)
	handler = ss.requestLoggingMiddleware(handler)
	handler = ss.panicRecoveryMiddleware(handler)
	return handler
}

func (ss *StudioServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", ss.handleHome)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(ss.config.Server.StaticDir))))
	mux.HandleFunc("GET /health", ss.handleHealthCheck)

	mux.HandleFunc("GET /api/config", ss.handleGetConfig)
	mux.HandleFunc("GET /api/genres", ss.handleGetGenres)

	// Reference routes
	mux.HandleFunc("GET /api/references", ss.handleListReferences)
	mux.HandleFunc("POST /api/references", ss.handleUploadReferences)
	mux.HandleFunc("DELETE /api/references/{id}", ss.handleDeleteReference)

	// Blend and generation routes
	mux.HandleFunc("POST /api/blend", ss.handleBlend)
	mux.HandleFunc("POST /api/generate", ss.handleGenerate)
	mux.HandleFunc("GET /api/jobs", ss.handleListJobs)
	mux.HandleFunc("DELETE /api/jobs", ss.handleCleanupJobs)
	mux.HandleFunc("GET /api/jobs/{id}", ss.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", ss.handleJobEvents)

	mux.HandleFunc("GET /files/{name}", ss.handleStreamFile)
}

// Start registers existing uploads, starts the watcher and tunnel, and serves
// until ctx is cancelled
func (ss *StudioServer) Start(ctx context.Context) error {
	ss.scanUploads()

	if ss.config.Storage.WatchUploads {
		if err := ss.startFileWatcher(); err != nil {
			ss.logger.WithError(err).Warn("Could not start upload watcher")
		}
	}

	localAddress := fmt.Sprintf("http://%s", ss.config.GetAddress())
	ss.logger.WithFields(logrus.Fields{
		"address":    localAddress,
		"references": len(ss.references.List()),
		"model":      ss.config.Generator.Model,
	}).Info("Phantom track studio starting")

	if ss.ngrokService != nil {
		if err := ss.ngrokService.StartTunnel(ctx, localAddress); err != nil {
			ss.logger.WithError(err).Warn("Could not start ngrok tunnel")
		}
	}

	ss.httpServer = &http.Server{
		Addr:         ss.config.GetAddress(),
		Handler:      ss.Handler(),
		ReadTimeout:  time.Duration(ss.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(ss.config.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ss.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully stops the server and its background workers
func (ss *StudioServer) Shutdown(ctx context.Context) error {
	ss.logger.Info("Shutting down studio server...")

	var err error
	if ss.httpServer != nil {
		err = ss.httpServer.Shutdown(ctx)
	}
	ss.stopFileWatcher()
	ss.references.Close()
	if stopErr := ss.ngrokService.Stop(); stopErr != nil {
		ss.logger.WithError(stopErr).Warn("Failed to stop ngrok tunnel")
	}

	ss.logger.Info("Studio server shutdown complete")
	return err
}

// onReferenceExpired removes the upload behind an expired registration. A file
// still read by a pending or running job is registered again instead.
func (ss *StudioServer) onReferenceExpired(ref models.ReferenceTrack) {
	if ss.jobs != nil && ss.jobs.InUse(ref.FilePath) {
		ss.references.Put(ref)
		ss.logger.WithFields(logrus.Fields{
			"id":    ref.ID,
			"title": ref.Title,
		}).Info("Reference expired but is in use by a job, keeping it")
		return
	}
	if err := os.Remove(ref.FilePath); err != nil && !os.IsNotExist(err) {
		ss.logger.WithError(err).WithField("file_path", ref.FilePath).Warn("Failed to remove expired reference")
		return
	}
	ss.logger.WithFields(logrus.Fields{
		"id":    ref.ID,
		"title": ref.Title,
	}).Info("Reference expired")
}
