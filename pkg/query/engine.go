package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// ErrInvalidWindow is returned by History for a non-positive window
var ErrInvalidWindow = errors.New("history window must be at least one minute")

const (
	// DefaultBudget is the maximum number of points History returns per kind
	DefaultBudget = 500

	DefaultHistoryMinutes = 2
	MinHistoryMinutes     = 1
	MaxHistoryMinutes     = 24 * 60
)

// Value is the latest reading of one kind. Present is false when nothing was recorded yet.
type Value struct {
	Value   float64
	Present bool
	At      time.Time
}

// Snapshot is the current value of every metric
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	CPU      Value
	MemoryMB Value
	Latency  Value
	Guilds   Value
	Errors   Value

	// MemoryPercent comes straight from the last sampler reading, it is not stored
	MemoryPercent Value
}

// Get returns the value for a kind
func (s Snapshot) Get(kind metrics.Kind) Value {
	switch kind {
	case metrics.KindCPU:
		return s.CPU
	case metrics.KindMemory:
		return s.MemoryMB
	case metrics.KindLatency:
		return s.Latency
	case metrics.KindGuilds:
		return s.Guilds
	case metrics.KindErrors:
		return s.Errors
	}
	return Value{}
}

func (s *Snapshot) set(kind metrics.Kind, v Value) {
	switch kind {
	case metrics.KindCPU:
		s.CPU = v
	case metrics.KindMemory:
		s.MemoryMB = v
	case metrics.KindLatency:
		s.Latency = v
	case metrics.KindGuilds:
		s.Guilds = v
	case metrics.KindErrors:
		s.Errors = v
	}
}

// Config holds engine settings
type Config struct {
	// Budget caps the points returned by History (0 = DefaultBudget)
	Budget int

	// StartedAt is the process start used for uptime
	StartedAt time.Time

	// MemoryPercent reports the latest memory percent reading, if any
	MemoryPercent func() (float64, bool)

	// Clock overrides time.Now (tests)
	Clock func() time.Time
}

// Engine answers snapshot and history reads from a store
type Engine struct {
	store  storage.Storage
	cfg    Config
	logger *zap.Logger
}

// New creates a query engine
func New(store storage.Storage, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Clock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Snapshot returns the most recent value of every kind.
// It never fails: a kind that cannot be read is reported as absent.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	now := e.cfg.Clock()
	snap := Snapshot{
		Timestamp: now,
		Uptime:    now.Sub(e.cfg.StartedAt),
	}
	if snap.Uptime < 0 {
		snap.Uptime = 0
	}

	for _, kind := range metrics.Kinds() {
		p, ok, err := e.store.Latest(ctx, kind)
		if err != nil {
			e.logger.Warn("latest read failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if ok {
			snap.set(kind, Value{Value: p.Value, Present: true, At: p.Time})
		}
	}

	if e.cfg.MemoryPercent != nil {
		if pct, ok := e.cfg.MemoryPercent(); ok {
			snap.MemoryPercent = Value{Value: pct, Present: true, At: now}
		}
	}
	return snap
}

// History returns the points of one kind in [now-minutes, now], averaged down to the budget
func (e *Engine) History(ctx context.Context, kind metrics.Kind, minutes int) ([]metrics.Point, error) {
	if minutes <= 0 {
		return nil, ErrInvalidWindow
	}
	return e.history(ctx, kind, e.cfg.Clock(), time.Duration(minutes)*time.Minute)
}

// HistoryAll reads several kinds over the same window with a single notion of now
func (e *Engine) HistoryAll(ctx context.Context, kinds []metrics.Kind, minutes int) (map[metrics.Kind][]metrics.Point, error) {
	if minutes <= 0 {
		return nil, ErrInvalidWindow
	}
	now := e.cfg.Clock()
	window := time.Duration(minutes) * time.Minute

	out := make(map[metrics.Kind][]metrics.Point, len(kinds))
	for _, kind := range kinds {
		points, err := e.history(ctx, kind, now, window)
		if err != nil {
			return nil, err
		}
		out[kind] = points
	}
	return out, nil
}

func (e *Engine) history(ctx context.Context, kind metrics.Kind, now time.Time, window time.Duration) ([]metrics.Point, error) {
	start := now.Add(-window)
	points, err := e.store.Query(ctx, storage.QueryRequest{Kind: kind, Start: start, End: now})
	if err != nil {
		return nil, fmt.Errorf("query %s history: %w", kind, err)
	}
	return Downsample(points, start, window, e.cfg.Budget), nil
}

// Downsample averages points into at most budget fixed-width buckets aligned to start.
// Each output point carries its bucket's start time and the mean of its members;
// empty buckets are omitted. Points are returned unchanged when within budget.
func Downsample(points []metrics.Point, start time.Time, window time.Duration, budget int) []metrics.Point {
	if budget <= 0 || len(points) <= budget {
		return points
	}
	if window <= 0 {
		window = points[len(points)-1].Time.Sub(points[0].Time) + 1
		start = points[0].Time
	}

	// ceil(window / budget)
	width := (window + time.Duration(budget) - 1) / time.Duration(budget)
	if width <= 0 {
		width = 1
	}

	out := make([]metrics.Point, 0, budget)
	current := -1
	var sum float64
	var count int

	flush := func() {
		if count > 0 {
			out = append(out, metrics.Point{
				Time:  start.Add(time.Duration(current) * width),
				Value: sum / float64(count),
			})
		}
	}

	for _, p := range points {
		idx := int(p.Time.Sub(start) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= budget {
			idx = budget - 1
		}
		if idx != current {
			flush()
			current, sum, count = idx, 0, 0
		}
		sum += p.Value
		count++
	}
	flush()

	return out
}

// ClampMinutes limits a requested history window to the supported range
func ClampMinutes(minutes int) int {
	if minutes < MinHistoryMinutes {
		return MinHistoryMinutes
	}
	if minutes > MaxHistoryMinutes {
		return MaxHistoryMinutes
	}
	return minutes
}
