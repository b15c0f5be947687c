/*
Package storage provides the pluggable storage abstraction for botpulse samples.

# Storage Interface

Three backends implement the Storage interface:
  - memory: in-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression), the default durable store
  - postgres: optional SQL backend selected with METRICS_DATABASE_DSN

# Raw Samples and Buckets

The sampler writes one raw sample per metric kind per tick. When compression is
enabled, raw samples older than a threshold age are folded into fixed-width
buckets carrying the average of the values they replace:

	raw (2s)   → kept until ThresholdAge (default 1h)
	bucket(1m) → kept until the retention window ends (default 7 days)

Buckets are stored separately from raw samples, so a compaction pass never
runs over data that is already compacted. Query merges both and returns a
single time-ordered series; a bucket appears as one point at its start time.

# Retention

Prune(now) deletes every raw sample and bucket with a timestamp strictly
before now minus the retention window. It runs on its own schedule, not on
the sampler tick.

# Consistency

Writes (Append, Prune, Compact) are serialized inside each backend. Reads run
against a consistent view: a reader observes either the state before a
mutation or the state after it, never a bucket without its source rows removed
or vice versa.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./metrics.db", Retention: storage.RetentionDays(7)})
	if err != nil {
	    logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	err = store.Append(ctx, metrics.Sample{Kind: metrics.KindCPU, Timestamp: time.Now(), Value: 12.5})

	points, err := store.Query(ctx, storage.QueryRequest{
	    Kind:  metrics.KindCPU,
	    Start: time.Now().Add(-10 * time.Minute),
	    End:   time.Now(),
	})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - postgres.Open() for the SQL backend
  - pkg/compaction for bucket grouping
*/
package storage
