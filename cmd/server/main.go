// Package main runs the screen recording share HTTP server with WebSocket
// progress and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/srecorder/backend/config"
	"github.com/srecorder/backend/internal/media"
	"github.com/srecorder/backend/internal/middleware"
	"github.com/srecorder/backend/internal/progress"
	"github.com/srecorder/backend/internal/session"
	"github.com/srecorder/backend/internal/trim"
	"github.com/srecorder/backend/internal/videos"
	"github.com/srecorder/backend/pkg/database"
	"github.com/srecorder/backend/pkg/queue"
	"github.com/srecorder/backend/pkg/redis"
	"github.com/srecorder/backend/pkg/response"
	"github.com/srecorder/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.Storage.Region,
		Endpoint:             cfg.Storage.Endpoint,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		Bucket:               cfg.Storage.Bucket,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("object storage", zap.Error(err))
	}

	// Media pipeline
	runner := media.NewRunner(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, logger)
	engine := trim.NewEngine(runner, trim.Strategy(cfg.Media.TrimStrategy), logger)

	// Progress fan-out
	pubsub := progress.NewRedisPubSub(rdb.Client, logger)
	hub := progress.NewHub(logger, pubsub)

	// Videos: metadata, playback, analytics
	videoRepo := videos.NewRepository(pool)
	videoHandler := videos.NewHandler(videoRepo, s3Client, logger)

	// Capture sessions
	jobQueue := queue.NewQueue(rdb.Client, logger)
	manager := session.NewManager(cfg.Media.WorkDir, time.Duration(cfg.Recording.MaxDurationSec)*time.Second, logger)
	sessionHandler := session.NewHandler(manager, runner, engine, s3Client, videoRepo, jobQueue, pubsub, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	{
		// Capture sessions
		api.POST("/sessions", sessionHandler.Start)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/chunks", sessionHandler.AppendChunk)
		api.POST("/sessions/:id/stop", sessionHandler.Stop)
		api.POST("/sessions/:id/finalize", sessionHandler.Finalize)

		// Upload pipeline
		api.POST("/upload/presigned", videoHandler.Presign)
		api.POST("/upload", videoHandler.Upload)
		api.POST("/video/create", videoHandler.Create)

		// Playback and analytics
		api.GET("/videos", videoHandler.List)
		api.GET("/video/:id", videoHandler.Get)
		api.GET("/video/:id/stream", videoHandler.Stream)
		api.POST("/video/:id/view", videoHandler.View)
		api.POST("/video/:id/progress", videoHandler.Progress)
	}

	// WebSocket progress (video_id in query)
	router.GET("/ws/progress", progress.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Duration cap enforcement
	capCtx, capCancel := context.WithCancel(context.Background())
	defer capCancel()
	go manager.Run(capCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	capCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
