// Command example runs the dashboard next to a simulated bot.
//
// The simulated bot reports a jittery heartbeat latency and a slowly changing
// guild count, and writes battle log lines tagged with the guild they belong to,
// so every dashboard endpoint has live data.
package main

import (
	"context"
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
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Hub: hub, Errors: errs})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	cfg.LogWarnings(logger)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, disk, err := server.OpenStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}

	bot := newSimBot(source.NewBotState(), logger.Named("bot"), time.Now().UnixNano())
	proc, err := source.NewProcess(bot.state, errs)
	if err != nil {
		logger.Fatal("failed to open process source", zap.Error(err))
	}

	ctrl := server.New(server.Deps{
		Config:      cfg,
		Store:       store,
		Hub:         hub,
		Source:      proc,
		Disk:        disk,
		CORSOrigins: []string{"*"},
		Logger:      logger,
	})

	go bot.run(ctx, time.Second)

	logger.Info("example bot running",
		zap.String("dashboard", "http://"+cfg.Addr()+"/api/metrics"),
		zap.String("logs", "ws://"+cfg.Addr()+"/ws/logs"),
	)
	if err := ctrl.Run(ctx); err != nil {
		logger.Error("example exited with error", zap.Error(err))
		os.Exit(1)
	}
}
