package compaction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

const (
	DefaultWidth        = 60 * time.Second
	DefaultThresholdAge = 1 * time.Hour
)

// Group is one bucket together with the raw samples it replaces
type Group struct {
	Aggregate
	Sources []metrics.Sample
}

// BucketStart floors t to a multiple of width since the Unix epoch
func BucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t
	}
	ns := t.UnixNano()
	w := int64(width)
	floored := ns - ns%w
	if ns < 0 && ns%w != 0 {
		floored -= w
	}
	return time.Unix(0, floored).UTC()
}

// Cutoff returns the instant before which every bucket is complete and old enough to compact.
// Samples at or after the cutoff are never touched.
func Cutoff(now time.Time, thresholdAge, width time.Duration) time.Time {
	return BucketStart(now.Add(-thresholdAge), width)
}

// GroupSamples groups raw samples older than cutoff into fixed-width buckets per kind.
// Output is ordered by kind then bucket start so compaction is deterministic.
func GroupSamples(samples []metrics.Sample, width time.Duration, cutoff time.Time) []Group {
	type key struct {
		kind  metrics.Kind
		start int64
	}

	groups := make(map[key]*Group)
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			continue
		}
		start := BucketStart(s.Timestamp, width)
		k := key{kind: s.Kind, start: start.UnixNano()}

		g, ok := groups[k]
		if !ok {
			g = &Group{Aggregate: Aggregate{Kind: s.Kind, Start: start, Width: width}}
			groups[k] = g
		}
		g.Add(s.Value)
		g.Sources = append(g.Sources, s)
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Config controls which samples are compacted
type Config struct {
	// ThresholdAge is how old a raw sample must be before it is folded into a bucket
	ThresholdAge time.Duration

	// Width is the bucket width
	Width time.Duration
}

// Compactor downsamples old raw samples in a store
type Compactor struct {
	storage storage.Storage
	cfg     Config
	logger  *zap.Logger
}

// New creates a new compactor
func New(store storage.Storage, cfg Config, logger *zap.Logger) *Compactor {
	if cfg.ThresholdAge <= 0 {
		cfg.ThresholdAge = DefaultThresholdAge
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{storage: store, cfg: cfg, logger: logger}
}

// Compact replaces raw samples older than the threshold age with bucket averages.
//
// With the default 60s buckets and 2s sampling this reduces old data ~30x
// while the covered time span stays the same.
func (c *Compactor) Compact(ctx context.Context, now time.Time) (storage.CompactResult, error) {
	res, err := c.storage.Compact(ctx, storage.CompactRequest{
		Now:          now,
		ThresholdAge: c.cfg.ThresholdAge,
		Width:        c.cfg.Width,
	})
	if err != nil {
		return res, fmt.Errorf("compaction failed: %w", err)
	}
	if res.Buckets > 0 {
		c.logger.Info("compacted samples",
			zap.Int("buckets", res.Buckets),
			zap.Int("replaced", res.Replaced),
			zap.Duration("width", c.cfg.Width),
		)
	}
	return res, nil
}
