/*
Package compaction folds old raw samples into fixed-width buckets.

# Why Compact?

The sampler writes one sample per metric kind every 2 seconds. Over the
default 7 day retention window that is roughly 300,000 samples per kind:

	1 sample / 2s × 86,400 s/day × 7 days = 302,400 samples

Charts older than an hour never need 2-second resolution, so compaction
replaces each minute of old samples with a single bucket:

	raw (2s)    → kept until ThresholdAge (default 1h)
	bucket (1m) → kept until the retention window ends

With the defaults this is a ~30x reduction for old data.

# Buckets

A bucket covers [Start, Start+Width) where Start is a multiple of Width
since the Unix epoch. It stores the average of the values it replaced, plus
count, min and max so a late sample can be merged in later:

	2025-01-10 10:00:00  cpu=45.2
	2025-01-10 10:00:02  cpu=46.1
	... (30 samples in 1 minute)
	2025-01-10 10:00:58  cpu=45.9

becomes

	2025-01-10 10:00:00  avg=45.5 count=30 min=42.0 max=48.1

# Invariants

  - Only buckets that end before Cutoff(now) are written, so a bucket is
    never built from a partial minute that is still being sampled
  - The bucket average equals the mean of every raw value it replaced
  - A compaction pass never changes the time span covered by a series
  - Running compaction twice is a no-op

# Usage Example

	store, _ := badger.New(badger.Config{Path: "./metrics.db"})
	compactor := compaction.New(store, compaction.Config{}, logger)

	res, err := compactor.Compact(ctx, time.Now())
	if err != nil {
	    logger.Error("compaction failed", zap.Error(err))
	    // Don't panic - compaction will retry on the next tick
	}

# See Also

  - pkg/storage for the backends that apply a compaction transactionally
  - pkg/server for the periodic compaction loop
*/
package compaction
