package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/config"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/repository"
	"github.com/example/cutout/internal/segmentation"
)

// app holds the process-wide dependencies shared by every session.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     blob.Store
	intake    *intake.Reader
	segmenter segmentation.Service
	runs      *repository.RunRepository

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	var err error
	if a.store, err = a.initBlobStore(ctx); err != nil {
		return err
	}
	a.intake = intake.NewReader(a.store, a.cfg.MaxUploadBytes, a.cfg.MaxImagePixels, a.logger)

	if a.segmenter, err = a.initSegmenter(ctx); err != nil {
		return err
	}

	if a.cfg.DatabaseDSN == "" {
		return nil
	}
	db, err := initDatabase(ctx, a.cfg.DatabaseDSN, a.logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	a.runs = repository.NewRunRepository(db, a.logger)
	if err := a.runs.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (a *app) initBlobStore(ctx context.Context) (blob.Store, error) {
	switch a.cfg.BlobBackend {
	case config.BlobRedis:
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := initRedis(redisCtx, a.cfg.RedisAddr, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return blob.NewRedis(blob.NewRedisCache(client), a.cfg.BlobTTL, a.logger), nil
	default:
		return blob.NewMemory(a.cfg.BlobMaxBytes, a.cfg.BlobTTL), nil
	}
}

func (a *app) initSegmenter(ctx context.Context) (segmentation.Service, error) {
	switch a.cfg.SegmenterBackend {
	case config.BackendGRPC:
		client, conn, err := segmentation.DialGRPC(ctx, a.cfg.SegmenterGRPCAddr, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to segmenter: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		return client, nil
	case config.BackendHTTP:
		return segmentation.NewHTTPClient(a.cfg.SegmenterHTTPURL, a.cfg.ProcessTimeout, a.logger), nil
	default:
		keyer := segmentation.NewKeyer()
		keyer.MaxPixels = a.cfg.MaxImagePixels
		return keyer, nil
	}
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close dependency", zap.Error(err))
		}
	}
	a.closers = nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("run log enabled")
	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(errors.New("redis connection failed"), err)
	}
	zapLogger.Info("redis blob store connected", zap.String("addr", addr))
	return client, nil
}
