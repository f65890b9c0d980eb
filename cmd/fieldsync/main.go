// Package main provides the entry point for the fieldsync daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/config"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/project/conflict"
	"github.com/maplog/fieldsync/internal/project/docstore"
	projectsync "github.com/maplog/fieldsync/internal/project/sync"
	"github.com/maplog/fieldsync/internal/track/chunk"
	"github.com/maplog/fieldsync/internal/track/export"
	"github.com/maplog/fieldsync/internal/track/location"
	"github.com/maplog/fieldsync/internal/track/recorder"
	httpapi "github.com/maplog/fieldsync/pkg/api/http"
)

var (
	configPath = flag.String("config", "", "path to config file")
	version    = "dev"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logCfg := logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Output:      cfg.Logger.Output,
		Development: cfg.Logger.Development,
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.WithComponent("main")
	log.Info("starting fieldsync daemon",
		zap.String("version", version),
		zap.String("user_id", cfg.Sync.UserID),
	)

	// Open the chunk store
	store, err := chunk.Open(cfg.Storage.DBPath, chunk.Config{
		ChunkSize:         cfg.Track.ChunkSize,
		DisplayBufferSize: cfg.Track.DisplayBufferSize,
		AccuracyLimitM:    cfg.Track.AccuracyLimitM,
	})
	if err != nil {
		log.Fatal("failed to open chunk store", zap.Error(err))
	}
	defer store.Close()

	// GPX exporter doubles as the record store: saved tracks become files.
	exporter, err := export.NewExporter(cfg.Storage.ExportPath)
	if err != nil {
		log.Fatal("failed to initialize exporter", zap.Error(err))
	}

	rec := recorder.NewRecorder(store, &gpxRecordStore{exporter: exporter}, autoConfirm{})

	// Location service: the simulated walker stands in for a platform
	// location provider.
	walker := location.NewWalker(location.WalkerConfig{
		StartLatitude:  35.6812,
		StartLongitude: 139.7671,
		StepMeters:     1,
		Interval:       time.Second,
	})
	coord := location.NewCoordinator(
		location.Config{
			PermissionTimeout: cfg.Location.PermissionTimeout,
			PositionTimeout:   cfg.Location.PositionTimeout,
		},
		walker, location.GrantedPermissions{}, rec, store, logAlerter{},
	)
	defer coord.Close()

	// Project sync over the local document store
	docs, err := docstore.NewBadgerStore(cfg.Sync.DBPath)
	if err != nil {
		log.Fatal("failed to open document store", zap.Error(err))
	}
	defer docs.Close()

	repo := projectsync.NewRepository(
		projectsync.Config{UploadChunkBytes: cfg.Sync.UploadChunkBytes},
		docs,
		projectsync.NewPlainCrypto(cfg.Sync.UploadChunkBytes),
		cfg.Sync.UserID,
	)
	resolver := conflict.NewResolver(cfg.Sync.UserID)

	// Startup recovery: persisted flags first, then the service, then any
	// interrupted session.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	if res := coord.Restore(startupCtx); !res.IsOK {
		log.Warn("location state restore failed", zap.String("message", res.Message))
	}
	if res := rec.CheckUnsavedTrackLog(startupCtx); !res.IsOK {
		log.Warn("unsaved track log recovery failed", zap.String("message", res.Message))
	}
	cancelStartup()

	// Create HTTP handler
	handler := httpapi.NewHandler(rec, coord, repo, resolver, exporter)

	// Setup Gin
	if !cfg.Logger.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger())

	// Register routes
	handler.RegisterRoutes(router)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// gpxRecordStore commits saved tracks as GPX files.
type gpxRecordStore struct {
	exporter *export.Exporter
}

func (s *gpxRecordStore) AddTrackRecord(ctx context.Context, points []chunk.LocationFix, opts recorder.TrackRecordOptions) result.Result {
	if _, err := s.exporter.Export(opts.RecordID, points); err != nil {
		return result.FailErr(err)
	}
	return result.OK()
}

// autoConfirm answers every save-or-discard prompt with save. The daemon has
// no user to ask, and keeping data beats losing it.
type autoConfirm struct{}

func (autoConfirm) Confirm(ctx context.Context, message string) bool { return true }

// logAlerter routes user-facing alerts to the log.
type logAlerter struct{}

func (logAlerter) Alert(ctx context.Context, message string) {
	logger.WithComponent("alert").Warn(message)
}

// ginLogger returns a Gin middleware that logs requests using zap.
func ginLogger() gin.HandlerFunc {
	log := logger.WithComponent("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
