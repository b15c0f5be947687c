package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Storage stores samples in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	// writeMu serializes Append, Prune and Compact
	writeMu sync.Mutex

	// mu guards the published series; mutations hold it only to swap slices
	mu        sync.RWMutex
	series    map[metrics.Kind]*series
	retention time.Duration
	closed    bool
}

type series struct {
	raw     []metrics.Sample
	buckets []metrics.Bucket
}

// Option configures the in-memory backend
type Option func(*Storage)

// WithRetention sets the retention window used by Prune
func WithRetention(d time.Duration) Option {
	return func(s *Storage) {
		s.retention = d
	}
}

var _ storage.Storage = (*Storage)(nil)

// New creates an in-memory storage backend
func New(opts ...Option) *Storage {
	s := &Storage{
		series:    make(map[metrics.Kind]*series),
		retention: storage.DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores samples in memory
func (s *Storage) Append(ctx context.Context, samples ...metrics.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateSamples(samples); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	for _, sample := range samples {
		ser := s.series[sample.Kind]
		if ser == nil {
			ser = &series{}
			s.series[sample.Kind] = ser
		}
		ser.raw = insertSample(ser.raw, sample)
	}
	return nil
}

// insertSample keeps raw sorted by timestamp, replacing a sample with the same
// timestamp. The sampler always appends at the end; only backfilled samples
// take the slow path.
func insertSample(raw []metrics.Sample, sample metrics.Sample) []metrics.Sample {
	n := len(raw)
	if n == 0 || sample.Timestamp.After(raw[n-1].Timestamp) {
		return append(raw, sample)
	}
	i := sort.Search(n, func(i int) bool {
		return !raw[i].Timestamp.Before(sample.Timestamp)
	})
	if i < n && raw[i].Timestamp.Equal(sample.Timestamp) {
		raw[i] = sample
		return raw
	}
	raw = append(raw, metrics.Sample{})
	copy(raw[i+1:], raw[i:])
	raw[i] = sample
	return raw
}

// Prune removes samples and buckets older than the retention window
func (s *Storage) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := storage.PruneCutoff(now, s.retention)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Build the pruned state from a read snapshot; writers are excluded by writeMu
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, storage.ErrClosed
	}
	next := make(map[metrics.Kind]*series, len(s.series))
	removed := 0
	for kind, ser := range s.series {
		ri := sort.Search(len(ser.raw), func(i int) bool {
			return !ser.raw[i].Timestamp.Before(cutoff)
		})
		bi := sort.Search(len(ser.buckets), func(i int) bool {
			return !ser.buckets[i].Start.Before(cutoff)
		})
		removed += ri + bi
		next[kind] = &series{
			raw:     append([]metrics.Sample(nil), ser.raw[ri:]...),
			buckets: append([]metrics.Bucket(nil), ser.buckets[bi:]...),
		}
	}
	s.mu.RUnlock()

	if removed == 0 {
		return 0, nil
	}

	s.mu.Lock()
	s.series = next
	s.mu.Unlock()
	return removed, nil
}

// Compact folds raw samples older than the threshold into buckets.
// The new state is published in one swap, so readers see all or nothing.
func (s *Storage) Compact(ctx context.Context, req storage.CompactRequest) (storage.CompactResult, error) {
	var res storage.CompactResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	cutoff := compaction.Cutoff(req.Now, req.ThresholdAge, req.Width)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return res, storage.ErrClosed
	}
	next := make(map[metrics.Kind]*series, len(s.series))
	for kind, ser := range s.series {
		// raw is sorted, so everything older than cutoff is a prefix
		n := sort.Search(len(ser.raw), func(i int) bool {
			return !ser.raw[i].Timestamp.Before(cutoff)
		})
		if n == 0 {
			next[kind] = ser
			continue
		}

		groups := compaction.GroupSamples(ser.raw[:n], req.Width, cutoff)
		next[kind] = &series{
			raw:     append([]metrics.Sample(nil), ser.raw[n:]...),
			buckets: mergeBuckets(ser.buckets, groups),
		}
		res.Buckets += len(groups)
		res.Replaced += n
	}
	s.mu.RUnlock()

	if res.Replaced == 0 {
		return res, nil
	}

	s.mu.Lock()
	s.series = next
	s.mu.Unlock()
	return res, nil
}

// mergeBuckets folds new groups into the existing sorted buckets.
// A group landing on an existing bucket (late sample) is merged by sum and count.
func mergeBuckets(existing []metrics.Bucket, groups []compaction.Group) []metrics.Bucket {
	byStart := make(map[int64]*compaction.Aggregate, len(existing)+len(groups))
	for _, b := range existing {
		byStart[b.Start.UnixNano()] = compaction.FromBucket(b)
	}
	for i := range groups {
		g := &groups[i].Aggregate
		key := g.Start.UnixNano()
		if agg, ok := byStart[key]; ok {
			agg.Merge(g)
			continue
		}
		agg := *g
		byStart[key] = &agg
	}

	out := make([]metrics.Bucket, 0, len(byStart))
	for _, agg := range byStart {
		out = append(out, agg.ToBucket())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Query retrieves points for one kind in [Start, End]
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	ser := s.series[req.Kind]
	if ser == nil {
		return []metrics.Point{}, nil
	}

	lo := sort.Search(len(ser.raw), func(i int) bool {
		return !ser.raw[i].Timestamp.Before(req.Start)
	})
	hi := sort.Search(len(ser.raw), func(i int) bool {
		return ser.raw[i].Timestamp.After(req.End)
	})
	blo := sort.Search(len(ser.buckets), func(i int) bool {
		return !ser.buckets[i].Start.Before(req.Start)
	})
	bhi := sort.Search(len(ser.buckets), func(i int) bool {
		return ser.buckets[i].Start.After(req.End)
	})

	raw := make([]metrics.Point, 0, hi-lo)
	for _, sample := range ser.raw[lo:hi] {
		raw = append(raw, metrics.Point{Time: sample.Timestamp, Value: sample.Value})
	}
	buckets := make([]metrics.Point, 0, bhi-blo)
	for _, b := range ser.buckets[blo:bhi] {
		buckets = append(buckets, metrics.Point{Time: b.Start, Value: b.Avg})
	}
	return storage.MergePoints(buckets, raw), nil
}

// Latest returns the newest point for a kind
func (s *Storage) Latest(ctx context.Context, kind metrics.Kind) (metrics.Point, bool, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Point{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metrics.Point{}, false, storage.ErrClosed
	}

	ser := s.series[kind]
	if ser == nil {
		return metrics.Point{}, false, nil
	}

	var latest metrics.Point
	found := false
	if n := len(ser.raw); n > 0 {
		latest = metrics.Point{Time: ser.raw[n-1].Timestamp, Value: ser.raw[n-1].Value}
		found = true
	}
	if n := len(ser.buckets); n > 0 {
		b := ser.buckets[n-1]
		if !found || b.Start.After(latest.Time) {
			latest = metrics.Point{Time: b.Start, Value: b.Avg}
			found = true
		}
	}
	return latest, found, nil
}

// Close marks the storage closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{}
	observe := func(ts time.Time) {
		if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if stats.Newest.IsZero() || ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}

	for _, ser := range s.series {
		stats.RawSamples += uint64(len(ser.raw))
		stats.Buckets += uint64(len(ser.buckets))
		if n := len(ser.raw); n > 0 {
			observe(ser.raw[0].Timestamp)
			observe(ser.raw[n-1].Timestamp)
		}
		if n := len(ser.buckets); n > 0 {
			observe(ser.buckets[0].Start)
			observe(ser.buckets[n-1].Start)
		}
	}

	// Rough size estimate (sample ~40 bytes, bucket ~80 bytes)
	stats.SizeBytes = stats.RawSamples*40 + stats.Buckets*80
	return stats, nil
}
