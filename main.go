// pixl/main.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pixl/config"
	"pixl/database"
	"pixl/handlers"
	"pixl/models"
	"pixl/utils"
)

type Application struct {
	db          *database.DatabaseService
	rateLimiter *models.RateLimiter
	logger      *slog.Logger
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService    { return a.db }
func (a *Application) RateLimiter() *models.RateLimiter { return a.rateLimiter }
func (a *Application) Logger() *slog.Logger             { return a.logger }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	saltBytes := make([]byte, 32)
	if _, err := rand.Read(saltBytes); err != nil {
		logger.Error("Failed to generate IP salt", "error", err)
		os.Exit(1)
	}
	utils.IPSalt = hex.EncodeToString(saltBytes)

	// --- External Configuration ---
	port := utils.GetEnv("PIXL_PORT", "8080")
	dbPath := utils.GetEnv("PIXL_DB_PATH",
		"./pixl.db?_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000")

	rateLimitEvery, err := time.ParseDuration(utils.GetEnv("PIXL_RATE_EVERY", config.DefaultRateLimitEvery))
	if err != nil {
		logger.Warn("Invalid PIXL_RATE_EVERY duration, using default", "value", utils.GetEnv("PIXL_RATE_EVERY", ""), "default", config.DefaultRateLimitEvery)
		rateLimitEvery, _ = time.ParseDuration(config.DefaultRateLimitEvery)
	}
	rateLimitBurst, err := strconv.Atoi(utils.GetEnv("PIXL_RATE_BURST", strconv.Itoa(config.DefaultRateLimitBurst)))
	if err != nil {
		logger.Warn("Invalid PIXL_RATE_BURST integer, using default", "value", utils.GetEnv("PIXL_RATE_BURST", ""), "default", config.DefaultRateLimitBurst)
		rateLimitBurst = config.DefaultRateLimitBurst
	}
	rateLimitPrune, err := time.ParseDuration(utils.GetEnv("PIXL_RATE_PRUNE", config.DefaultRateLimitPrune))
	if err != nil {
		logger.Warn("Invalid PIXL_RATE_PRUNE duration, using default", "value", utils.GetEnv("PIXL_RATE_PRUNE", ""), "default", config.DefaultRateLimitPrune)
		rateLimitPrune, _ = time.ParseDuration(config.DefaultRateLimitPrune)
	}
	rateLimitExpire, err := time.ParseDuration(utils.GetEnv("PIXL_RATE_EXPIRE", config.DefaultRateLimitExpire))
	if err != nil {
		logger.Warn("Invalid PIXL_RATE_EXPIRE duration, using default", "value", utils.GetEnv("PIXL_RATE_EXPIRE", ""), "default", config.DefaultRateLimitExpire)
		rateLimitExpire, _ = time.ParseDuration(config.DefaultRateLimitExpire)
	}

	dbService, err := database.InitDB(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbService.DB.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	// --- Storage Service Init ---
	var storageService models.StorageService
	if utils.GetEnv("PIXL_S3_ENABLED", "false") == "true" {
		endpoint := utils.GetEnv("PIXL_S3_ENDPOINT", "")
		accessKey := utils.GetEnv("PIXL_S3_ACCESS_KEY", "")
		secretKey := utils.GetEnv("PIXL_S3_SECRET_KEY", "")
		bucket := utils.GetEnv("PIXL_S3_BUCKET", "")
		region := utils.GetEnv("PIXL_S3_REGION", "us-east-1")
		publicURL := utils.GetEnv("PIXL_S3_PUBLIC_URL", "")
		useSSL := utils.GetEnv("PIXL_S3_USE_SSL", "true") == "true"

		storageService, err = utils.NewS3Storage(endpoint, accessKey, secretKey, bucket, region, publicURL, useSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		logger.Info("S3 Storage initialized", "endpoint", endpoint, "bucket", bucket)
	} else {
		snapshotDir := utils.GetEnv("PIXL_SNAPSHOT_DIR", "./snapshots")
		if err := os.MkdirAll(snapshotDir, 0755); err != nil {
			logger.Error("FATAL: Could not create snapshot directory", "path", snapshotDir, "error", err)
			os.Exit(1)
		}
		storageService = &utils.LocalStorage{SnapshotDir: snapshotDir}
		logger.Info("Local Storage initialized", "dir", snapshotDir)
	}
	dbService.SetStorage(storageService)

	app := &Application{
		db:          dbService,
		rateLimiter: models.NewRateLimiter(rateLimitEvery, rateLimitBurst, rateLimitPrune, rateLimitExpire),
		logger:      logger,
	}

	mux := handlers.SetupRouter(app)

	// --- Graceful Shutdown ---
	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("pixl server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+port,
		"board_size", config.BoardSize,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
