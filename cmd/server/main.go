package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/logging"
	"github.com/nicktill/botpulse/pkg/server"
	"github.com/nicktill/botpulse/pkg/source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	hub := loghub.New(loghub.WithCapacity(cfg.LogStreamBuffer))
	errs := loghub.NewErrorCounter(loghub.DefaultErrorWindow)
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogJSON,
		Hub:    hub,
		Errors: errs,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg.LogWarnings(logger)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := build(ctx, cfg, hub, errs, source.NewBotState(), logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	logger.Info("botpulse started",
		zap.String("addr", cfg.Addr()),
		zap.Duration("interval", cfg.CollectionInterval),
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Bool("compression", cfg.Compression),
	)
	if err := ctrl.Run(ctx); err != nil {
		logger.Error("botpulse exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("botpulse exited cleanly")
}

// build opens storage and wires every component into a controller
func build(ctx context.Context, cfg *config.Config, hub *loghub.Hub, errs *loghub.ErrorCounter, bot source.BotStats, logger *zap.Logger) (*server.Controller, error) {
	store, disk, err := server.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	proc, err := source.NewProcess(bot, errs)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("process source: %w", err)
	}

	return server.New(server.Deps{
		Config:      cfg,
		Store:       store,
		Hub:         hub,
		Source:      proc,
		Disk:        disk,
		CORSOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		StartedAt:   time.Now(),
		Logger:      logger,
	}), nil
}
