// Package storagetest holds the behaviour every storage backend must share.
// Backend tests call Run with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Factory returns an empty store pruning with the given retention
type Factory func(t *testing.T, retention time.Duration) storage.Storage

var baseNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

// Run executes the shared suite against a backend
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAndQuery", func(t *testing.T) { testAppendAndQuery(t, newStore) })
	t.Run("AppendRejectsInvalid", func(t *testing.T) { testAppendRejectsInvalid(t, newStore) })
	t.Run("OutOfOrderAppend", func(t *testing.T) { testOutOfOrderAppend(t, newStore) })
	t.Run("SameTimestampReplaces", func(t *testing.T) { testSameTimestampReplaces(t, newStore) })
	t.Run("EmptyRange", func(t *testing.T) { testEmptyRange(t, newStore) })
	t.Run("Latest", func(t *testing.T) { testLatest(t, newStore) })
	t.Run("PruneRetention", func(t *testing.T) { testPruneRetention(t, newStore) })
	t.Run("PruneProperty", func(t *testing.T) { testPruneProperty(t, newStore) })
	t.Run("CompactAverages", func(t *testing.T) { testCompactAverages(t, newStore) })
	t.Run("CompactIdempotent", func(t *testing.T) { testCompactIdempotent(t, newStore) })
	t.Run("CompactMergesLateSample", func(t *testing.T) { testCompactMergesLateSample(t, newStore) })
	t.Run("ConcurrentReadsAndWrites", func(t *testing.T) { testConcurrentReadsAndWrites(t, newStore) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore) })
}

func sample(kind metrics.Kind, ts time.Time, v float64) metrics.Sample {
	return metrics.Sample{Kind: kind, Timestamp: ts, Value: v}
}

func queryAll(t *testing.T, store storage.Storage, kind metrics.Kind) []metrics.Point {
	t.Helper()
	points, err := store.Query(context.Background(), storage.QueryRequest{
		Kind:  kind,
		Start: baseNow.Add(-365 * 24 * time.Hour),
		End:   baseNow.Add(365 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return points
}

func requireOrdered(t *testing.T, points []metrics.Point) {
	t.Helper()
	for i := 1; i < len(points); i++ {
		require.False(t, points[i].Time.Before(points[i-1].Time), "points out of order at %d", i)
	}
}

func testAppendAndQuery(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx,
		sample(metrics.KindCPU, baseNow.Add(-4*time.Second), 10),
		sample(metrics.KindCPU, baseNow.Add(-2*time.Second), 20),
		sample(metrics.KindMemory, baseNow.Add(-2*time.Second), 512),
		sample(metrics.KindCPU, baseNow, 30),
	))

	points, err := store.Query(ctx, storage.QueryRequest{
		Kind:  metrics.KindCPU,
		Start: baseNow.Add(-3 * time.Second),
		End:   baseNow,
	})
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, 20.0, points[0].Value)
	require.Equal(t, 30.0, points[1].Value)
	require.True(t, points[1].Time.Equal(baseNow))

	mem := queryAll(t, store, metrics.KindMemory)
	require.Len(t, mem, 1)
	require.Equal(t, 512.0, mem[0].Value)
}

func testAppendRejectsInvalid(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	err := store.Append(ctx,
		sample(metrics.KindCPU, baseNow, 1),
		sample("disk", baseNow, 2),
	)
	require.ErrorIs(t, err, storage.ErrInvalidSample)
	require.Empty(t, queryAll(t, store, metrics.KindCPU), "a rejected batch must not be partially written")
}

func testOutOfOrderAppend(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sample(metrics.KindLatency, baseNow, 3)))
	require.NoError(t, store.Append(ctx, sample(metrics.KindLatency, baseNow.Add(-2*time.Minute), 1)))
	require.NoError(t, store.Append(ctx, sample(metrics.KindLatency, baseNow.Add(-time.Minute), 2)))

	points := queryAll(t, store, metrics.KindLatency)
	require.Len(t, points, 3)
	requireOrdered(t, points)
	require.Equal(t, []float64{1, 2, 3}, []float64{points[0].Value, points[1].Value, points[2].Value})
}

func testSameTimestampReplaces(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx,
		sample(metrics.KindCPU, baseNow.Add(-time.Minute), 1),
		sample(metrics.KindCPU, baseNow, 2),
	))
	require.NoError(t, store.Append(ctx, sample(metrics.KindCPU, baseNow, 9)))
	require.NoError(t, store.Append(ctx, sample(metrics.KindCPU, baseNow.Add(-time.Minute), 4)))

	points := queryAll(t, store, metrics.KindCPU)
	require.Len(t, points, 2)
	require.Equal(t, []float64{4, 9}, []float64{points[0].Value, points[1].Value})

	latest, ok, err := store.Latest(ctx, metrics.KindCPU)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 9.0, latest.Value)
}

func testEmptyRange(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)

	points := queryAll(t, store, metrics.KindGuilds)
	require.NotNil(t, points)
	require.Empty(t, points)

	_, ok, err := store.Latest(context.Background(), metrics.KindGuilds)
	require.NoError(t, err)
	require.False(t, ok)
}

func testLatest(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(ctx, sample(metrics.KindCPU, baseNow.Add(time.Duration(i)*2*time.Second), float64(i*10))))
	}

	p, ok, err := store.Latest(ctx, metrics.KindCPU)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 30.0, p.Value)
	require.True(t, p.Time.Equal(baseNow.Add(6*time.Second)))
}

func testPruneRetention(t *testing.T, newStore Factory) {
	store := newStore(t, 7*24*time.Hour)
	ctx := context.Background()

	old := baseNow.Add(-8 * 24 * time.Hour)
	boundary := baseNow.Add(-7 * 24 * time.Hour)
	recent := baseNow.Add(-time.Hour)

	require.NoError(t, store.Append(ctx,
		sample(metrics.KindCPU, old, 99),
		sample(metrics.KindCPU, boundary, 50),
		sample(metrics.KindCPU, recent, 10),
	))

	removed, err := store.Prune(ctx, baseNow)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	points := queryAll(t, store, metrics.KindCPU)
	require.Len(t, points, 2)
	for _, p := range points {
		require.NotEqual(t, 99.0, p.Value)
		require.False(t, p.Time.Before(boundary))
	}

	// A second pass has nothing left to do
	removed, err = store.Prune(ctx, baseNow)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func testPruneProperty(t *testing.T, newStore Factory) {
	retention := 48 * time.Hour
	store := newStore(t, retention)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var appended []metrics.Sample
	for i := 0; i < 300; i++ {
		ts := baseNow.Add(-time.Duration(rng.Int63n(int64(96 * time.Hour)))).Truncate(time.Millisecond)
		s := sample(metrics.KindMemory, ts, float64(i))
		appended = append(appended, s)
		require.NoError(t, store.Append(ctx, s))
	}

	_, err := store.Prune(ctx, baseNow)
	require.NoError(t, err)

	cutoff := baseNow.Add(-retention)
	want := 0
	for _, s := range appended {
		if !s.Timestamp.Before(cutoff) {
			want++
		}
	}

	points := queryAll(t, store, metrics.KindMemory)
	require.Len(t, points, want)
	for _, p := range points {
		require.False(t, p.Time.Before(cutoff))
	}
	requireOrdered(t, points)
}

// seedTwoHours appends one cpu sample every 2s for the two hours before baseNow
func seedTwoHours(t *testing.T, store storage.Storage) []metrics.Sample {
	t.Helper()
	var seeded []metrics.Sample
	start := baseNow.Add(-2 * time.Hour)
	for ts := start; ts.Before(baseNow); ts = ts.Add(2 * time.Second) {
		v := float64(ts.Sub(start)/time.Second) * 0.25
		seeded = append(seeded, sample(metrics.KindCPU, ts, v))
	}
	require.NoError(t, store.Append(context.Background(), seeded...))
	return seeded
}

func testCompactAverages(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()
	seeded := seedTwoHours(t, store)

	req := storage.CompactRequest{Now: baseNow, ThresholdAge: time.Hour, Width: time.Minute}
	res, err := store.Compact(ctx, req)
	require.NoError(t, err)

	cutoff := compaction.Cutoff(req.Now, req.ThresholdAge, req.Width)
	expected := compaction.GroupSamples(seeded, req.Width, cutoff)
	require.Equal(t, len(expected), res.Buckets)

	replaced := 0
	for _, g := range expected {
		replaced += len(g.Sources)
	}
	require.Equal(t, replaced, res.Replaced)

	points := queryAll(t, store, metrics.KindCPU)
	requireOrdered(t, points)
	require.Len(t, points, len(seeded)-replaced+len(expected))

	// Every bucket point carries the mean of the raw values it replaced
	for i, g := range expected {
		var sum float64
		for _, s := range g.Sources {
			sum += s.Value
		}
		p := points[i]
		require.True(t, p.Time.Equal(g.Start), "bucket %d start", i)
		require.InDelta(t, sum/float64(len(g.Sources)), p.Value, 1e-9)
	}

	// Coverage is unchanged: the first bucket still starts at the first sample,
	// and the raw series resumes exactly at the cutoff
	require.True(t, points[0].Time.Equal(seeded[0].Timestamp))
	last := expected[len(expected)-1]
	require.True(t, last.Start.Add(last.Width).Equal(points[len(expected)].Time))
	require.True(t, points[len(points)-1].Time.Equal(seeded[len(seeded)-1].Timestamp))
}

func testCompactIdempotent(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()
	seedTwoHours(t, store)

	req := storage.CompactRequest{Now: baseNow, ThresholdAge: time.Hour, Width: time.Minute}
	_, err := store.Compact(ctx, req)
	require.NoError(t, err)
	before := queryAll(t, store, metrics.KindCPU)

	res, err := store.Compact(ctx, req)
	require.NoError(t, err)
	require.Zero(t, res.Buckets)
	require.Zero(t, res.Replaced)
	require.Equal(t, len(before), len(queryAll(t, store, metrics.KindCPU)))
}

func testCompactMergesLateSample(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()

	bucket := compaction.BucketStart(baseNow.Add(-3*time.Hour), time.Minute)
	require.NoError(t, store.Append(ctx,
		sample(metrics.KindLatency, bucket.Add(10*time.Second), 10),
		sample(metrics.KindLatency, bucket.Add(20*time.Second), 20),
	))

	req := storage.CompactRequest{Now: baseNow, ThresholdAge: time.Hour, Width: time.Minute}
	_, err := store.Compact(ctx, req)
	require.NoError(t, err)

	// A late sample for an already compacted bucket is folded in on the next pass
	require.NoError(t, store.Append(ctx, sample(metrics.KindLatency, bucket.Add(30*time.Second), 60)))
	res, err := store.Compact(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.Replaced)

	points := queryAll(t, store, metrics.KindLatency)
	require.Len(t, points, 1)
	require.InDelta(t, 30.0, points[0].Value, 1e-9)
}

func testConcurrentReadsAndWrites(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()
	seedTwoHours(t, store)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = store.Append(ctx, sample(metrics.KindCPU, baseNow.Add(time.Duration(i)*time.Second), float64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = store.Compact(ctx, storage.CompactRequest{Now: baseNow, ThresholdAge: time.Hour, Width: time.Minute})
		_, _ = store.Prune(ctx, baseNow)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			points, err := store.Query(ctx, storage.QueryRequest{
				Kind:  metrics.KindCPU,
				Start: baseNow.Add(-3 * time.Hour),
				End:   baseNow.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("query failed: %v", err)
				return
			}
			for j := 1; j < len(points); j++ {
				if points[j].Time.Before(points[j-1].Time) {
					t.Errorf("torn read: points out of order")
					return
				}
			}
		}
	}()
	wg.Wait()
}

func testStats(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	ctx := context.Background()
	seedTwoHours(t, store)
	_, err := store.Compact(ctx, storage.CompactRequest{Now: baseNow, ThresholdAge: time.Hour, Width: time.Minute})
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(60), stats.Buckets)
	require.Equal(t, uint64(1800), stats.RawSamples)
	require.True(t, stats.Oldest.Equal(baseNow.Add(-2*time.Hour)))
	require.True(t, stats.Newest.Equal(baseNow.Add(-2*time.Second)))
}

func testClosed(t *testing.T, newStore Factory) {
	store := newStore(t, storage.DefaultRetention)
	require.NoError(t, store.Close())

	err := store.Append(context.Background(), sample(metrics.KindCPU, baseNow, 1))
	require.ErrorIs(t, err, storage.ErrClosed)
	require.NoError(t, store.Close(), "Close must be idempotent")
}
