package server

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/server/monitor"
	"github.com/nicktill/botpulse/pkg/storage"
	"github.com/nicktill/botpulse/pkg/storage/badger"
	"github.com/nicktill/botpulse/pkg/storage/postgres"
)

// OpenStorage opens Postgres when a DSN is configured and BadgerDB otherwise.
// A Postgres that cannot be reached falls back to BadgerDB.
// The returned monitor is nil unless the store lives in a local directory.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, *monitor.StorageMonitor, error) {
	if cfg.DatabaseDSN != "" {
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:       cfg.DatabaseDSN,
			Retention: cfg.Retention(),
			Logger:    logger.Named("postgres"),
		})
		if err == nil {
			logger.Info("postgres storage connected & migrated")
			return store, nil, nil
		}
		logger.Warn("postgres init failed, falling back to badger", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := badger.New(badger.Config{
		Path:        cfg.DBPath,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Retention:   cfg.Retention(),
		Logger:      logger.Named("badger"),
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("badger storage opened",
		zap.String("path", cfg.DBPath),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
		zap.Int("retention_days", cfg.RetentionDays),
	)
	return store, monitor.NewStorageMonitor(cfg.DBPath), nil
}
