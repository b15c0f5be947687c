package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/server/monitor"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Schedule controls a periodic task and its retries
type Schedule struct {
	Interval time.Duration

	// MaxRetries is how many extra attempts a failing run gets before waiting for the next tick
	MaxRetries int

	// BaseDelay is the first retry delay; each later retry doubles it
	BaseDelay time.Duration
}

// GarbageCollector is implemented by stores that need periodic value log GC
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// runWithRetry runs fn until it succeeds or the retries are used up.
// Exponential backoff: BaseDelay, 2*BaseDelay, 4*BaseDelay...
func runWithRetry(ctx context.Context, name string, sched Schedule, mon *monitor.TaskMonitor, logger *zap.Logger, fn func(context.Context) (int, error)) {
	for attempt := 0; attempt <= sched.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := sched.BaseDelay * time.Duration(1<<(attempt-1))
			logger.Info("retrying task",
				zap.String("task", name),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		n, err := fn(ctx)
		if err == nil {
			mon.RecordSuccess(n)
			logger.Debug("task completed",
				zap.String("task", name),
				zap.Int("removed", n),
				zap.Duration("took", time.Since(start).Round(time.Millisecond)),
			)
			return
		}
		if ctx.Err() != nil {
			return
		}

		mon.RecordFailure(err)
		logger.Error("task failed",
			zap.String("task", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if status := mon.Status(); status.ConsecutiveErrors > monitor.DefaultMaxConsecutiveErrors {
			logger.Error("task keeps failing",
				zap.String("task", name),
				zap.Int("consecutive_errors", status.ConsecutiveErrors),
			)
		}
	}
	logger.Warn("task failed after retries, will run again on next schedule",
		zap.String("task", name),
		zap.Int("attempts", sched.MaxRetries+1),
	)
}

// every runs fn once immediately and then on each tick until ctx is done
func every(ctx context.Context, interval time.Duration, fn func()) {
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// RunPrune deletes data past the retention window on startup and then every interval.
// It runs independently of the sampler.
func RunPrune(ctx context.Context, store storage.Storage, sched Schedule, mon *monitor.TaskMonitor, logger *zap.Logger) error {
	logger.Info("prune scheduler started", zap.Duration("interval", sched.Interval))
	every(ctx, sched.Interval, func() {
		runWithRetry(ctx, mon.Name(), sched, mon, logger, func(ctx context.Context) (int, error) {
			n, err := store.Prune(ctx, time.Now())
			if err == nil && n > 0 {
				logger.Info("pruned expired samples", zap.Int("removed", n))
			}
			return n, err
		})
	})
	logger.Info("stopping prune scheduler")
	return nil
}

// RunCompaction folds old raw samples into buckets on startup and then every interval.
func RunCompaction(ctx context.Context, compactor *compaction.Compactor, sched Schedule, mon *monitor.TaskMonitor, logger *zap.Logger) error {
	logger.Info("compaction scheduler started", zap.Duration("interval", sched.Interval))
	every(ctx, sched.Interval, func() {
		runWithRetry(ctx, mon.Name(), sched, mon, logger, func(ctx context.Context) (int, error) {
			res, err := compactor.Compact(ctx, time.Now())
			return res.Replaced, err
		})
	})
	logger.Info("stopping compaction scheduler")
	return nil
}

// RunBadgerGC runs value log garbage collection periodically to reclaim disk space.
// Deleted and compacted samples stay on disk until their value log files are rewritten.
func RunBadgerGC(ctx context.Context, gc GarbageCollector, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("badger GC scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := gc.RunGC(0.5); err != nil && !errors.Is(err, storage.ErrClosed) {
				logger.Warn("badger GC failed", zap.Error(err))
				continue
			}
			logger.Debug("badger GC completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			logger.Info("stopping badger GC scheduler")
			return nil
		}
	}
}
