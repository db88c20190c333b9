// Package main runs the background job worker (async trims and the orphan
// object sweep).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/srecorder/backend/config"
	"github.com/srecorder/backend/internal/media"
	"github.com/srecorder/backend/internal/progress"
	"github.com/srecorder/backend/internal/sweeper"
	"github.com/srecorder/backend/internal/trim"
	"github.com/srecorder/backend/internal/videos"
	"github.com/srecorder/backend/internal/worker"
	"github.com/srecorder/backend/pkg/database"
	"github.com/srecorder/backend/pkg/queue"
	"github.com/srecorder/backend/pkg/redis"
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

	runner := media.NewRunner(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, logger)
	engine := trim.NewEngine(runner, trim.Strategy(cfg.Media.TrimStrategy), logger)
	pubsub := progress.NewRedisPubSub(rdb.Client, logger)

	videoRepo := videos.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewTrimProcessor(videoRepo, s3Client, engine, runner, pubsub, jobQueue, cfg.Media.WorkDir, logger)
	sweep := sweeper.NewSweeper(videoRepo, s3Client,
		time.Duration(cfg.Sweep.IntervalMinutes)*time.Minute,
		time.Duration(cfg.Sweep.GraceMinutes)*time.Minute,
		logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	go sweep.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
