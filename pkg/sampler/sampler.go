package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// DefaultInterval matches the dashboard's 2 second refresh
const DefaultInterval = 2 * time.Second

// ErrRunning is returned by Run when the sampler loop is already active
var ErrRunning = errors.New("sampler already running")

// Readings is one read of every health metric.
// A nil field means the value is not available yet (e.g. the bot has not connected).
type Readings struct {
	CPU           *float64
	MemoryMB      *float64
	MemoryPercent *float64
	Latency       *float64
	Guilds        *float64
	Errors        *float64

	// Errs holds per-metric read failures; a failed metric is skipped for the tick
	Errs map[metrics.Kind]error
}

// Value returns the reading stored for a kind
func (r Readings) Value(kind metrics.Kind) *float64 {
	switch kind {
	case metrics.KindCPU:
		return r.CPU
	case metrics.KindMemory:
		return r.MemoryMB
	case metrics.KindLatency:
		return r.Latency
	case metrics.KindGuilds:
		return r.Guilds
	case metrics.KindErrors:
		return r.Errors
	}
	return nil
}

// Float returns a pointer to v, for building Readings
func Float(v float64) *float64 {
	return &v
}

// Source reads the current health metrics
type Source interface {
	Read(ctx context.Context) Readings
}

// SourceFunc adapts a function into a Source
type SourceFunc func(ctx context.Context) Readings

// Read implements Source
func (f SourceFunc) Read(ctx context.Context) Readings {
	return f(ctx)
}

// Config holds sampler settings
type Config struct {
	Interval time.Duration

	// Clock overrides time.Now (tests)
	Clock func() time.Time
}

// Stats reports sampler activity for health checks
type Stats struct {
	Ticks    uint64    `json:"ticks"`
	Skipped  uint64    `json:"skipped"`
	Failures uint64    `json:"failures"`
	LastTick time.Time `json:"last_tick,omitempty"`
	Interval string    `json:"interval"`
}

// Sampler periodically reads a Source and appends one sample per metric to a store
type Sampler struct {
	source Source
	store  storage.Storage
	logger *zap.Logger
	cfg    Config

	// tickMu serializes Tick; lastTS is only touched under it
	tickMu sync.Mutex
	lastTS time.Time

	last     atomic.Pointer[Readings]
	lastTick atomic.Int64
	ticks    atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a sampler
func New(source Source, store storage.Storage, cfg Config, logger *zap.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		source: source,
		store:  store,
		logger: logger,
		cfg:    cfg,
	}
}

// Tick reads the source once and writes every available metric.
// Each metric is independent: a missing or failed reading only skips that metric.
func (s *Sampler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	readings := s.source.Read(ctx)
	s.last.Store(&readings)

	// Timestamps must strictly increase per kind even if the wall clock stalls
	ts := s.cfg.Clock()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}

	samples := make([]metrics.Sample, 0, len(metrics.Kinds()))
	for _, kind := range metrics.Kinds() {
		if err := readings.Errs[kind]; err != nil {
			s.logger.Warn("metric read failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		v := readings.Value(kind)
		if v == nil {
			s.logger.Debug("metric not available yet", zap.String("kind", string(kind)))
			continue
		}
		sample := metrics.Sample{Kind: kind, Timestamp: ts, Value: *v}
		if !sample.Valid() {
			s.logger.Warn("dropping non-finite reading", zap.String("kind", string(kind)), zap.Float64("value", *v))
			continue
		}
		samples = append(samples, sample)
	}

	s.ticks.Add(1)
	s.lastTick.Store(ts.UnixNano())
	if len(samples) == 0 {
		return nil
	}

	if err := s.store.Append(ctx, samples...); err != nil {
		s.failures.Add(1)
		return fmt.Errorf("append samples: %w", err)
	}
	s.lastTS = ts
	return nil
}

// Run ticks once immediately and then once per interval until ctx is done or Stop is called.
// A failing tick never ends the loop.
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running, s.cancel, s.done = true, cancel, done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("sampler started", zap.Duration("interval", s.cfg.Interval))

	// The ticker drops ticks while one is still running, so ticks never overlap
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick bounds a tick by one interval so shutdown never waits longer than that
func (s *Sampler) runTick(ctx context.Context) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	if err := s.Tick(tctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("sampler tick failed", zap.Error(err))
	}

	if elapsed := time.Since(start); elapsed > s.cfg.Interval {
		missed := uint64(elapsed / s.cfg.Interval)
		s.skipped.Add(missed)
		s.logger.Debug("sampler tick overran interval",
			zap.Duration("elapsed", elapsed),
			zap.Uint64("skipped", missed),
		)
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Last returns the readings of the most recent tick
func (s *Sampler) Last() (Readings, bool) {
	r := s.last.Load()
	if r == nil {
		return Readings{}, false
	}
	return *r, true
}

// Stats returns tick counters
func (s *Sampler) Stats() Stats {
	stats := Stats{
		Ticks:    s.ticks.Load(),
		Skipped:  s.skipped.Load(),
		Failures: s.failures.Load(),
		Interval: s.cfg.Interval.String(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		stats.LastTick = time.Unix(0, ns).UTC()
	}
	return stats
}
