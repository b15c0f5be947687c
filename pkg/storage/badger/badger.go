package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Key classes. Raw samples and buckets live in separate key ranges so a
// compaction scan never touches already compacted data.
const (
	classRaw    byte = 'r'
	classBucket byte = 'b'

	keyLen = 17
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db        *badger.DB
	retention time.Duration
	logger    *zap.Logger

	// writeMu serializes Append, Prune and Compact
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Retention is the window kept by Prune (0 = 7 days)
	Retention time.Duration

	Logger *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{logger.Sugar().Named("badger")})

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits for a bot host: the dashboard runs next to the bot.
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	var memTableSize int64 = 16 * 1024 * 1024
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Block and index caches are unbounded by default
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger requires at least two
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{
		db:        db,
		retention: cfg.Retention,
		logger:    logger,
	}, nil
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// run executes fn off the caller's goroutine so a cancelled context returns
// promptly even while badger is blocked.
func run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// Append stores samples in one transaction
func (s *Storage) Append(ctx context.Context, samples ...metrics.Sample) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := storage.ValidateSamples(samples); err != nil {
		return err
	}

	return run(ctx, "append", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		return s.db.Update(func(txn *badger.Txn) error {
			for i, sample := range samples {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				value, err := json.Marshal(sample)
				if err != nil {
					return fmt.Errorf("failed to encode sample: %w", err)
				}
				if err := txn.Set(makeKey(classRaw, sample.Kind, sample.Timestamp), value); err != nil {
					return fmt.Errorf("failed to write sample: %w", err)
				}
			}
			return nil
		})
	})
}

// Prune deletes samples and buckets older than the retention window
func (s *Storage) Prune(ctx context.Context, now time.Time) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	cutoff := storage.PruneCutoff(now, s.retention)

	var removed int
	err := run(ctx, "prune", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			for _, kind := range metrics.Kinds() {
				for _, class := range []byte{classRaw, classBucket} {
					keys = append(keys, keysBefore(txn, class, kind, cutoff)...)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := s.deleteKeys(keys); err != nil {
			return err
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

// keysBefore collects keys of one series whose timestamp is before cutoff
func keysBefore(txn *badger.Txn, class byte, kind metrics.Kind, cutoff time.Time) [][]byte {
	prefix := seriesPrefix(class, kind)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	end := makeKey(class, kind, cutoff)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if string(key) >= string(end) {
			break
		}
		keys = append(keys, key)
	}
	return keys
}

// deleteKeys removes keys, committing in chunks when a transaction grows too big
func (s *Storage) deleteKeys(keys [][]byte) error {
	txn := s.db.NewTransaction(true)
	for _, key := range keys {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = txn.Delete(key)
		}
		if err != nil {
			txn.Discard()
			return err
		}
	}
	return txn.Commit()
}

// Compact folds raw samples older than the cutoff into buckets.
// Each bucket is written together with the deletion of its sources in a
// single transaction, so readers never see both or neither.
func (s *Storage) Compact(ctx context.Context, req storage.CompactRequest) (storage.CompactResult, error) {
	var res storage.CompactResult
	if s.closed.Load() {
		return res, storage.ErrClosed
	}
	cutoff := compaction.Cutoff(req.Now, req.ThresholdAge, req.Width)

	err := run(ctx, "compact", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		for _, kind := range metrics.Kinds() {
			var old []metrics.Sample
			err := s.db.View(func(txn *badger.Txn) error {
				var err error
				old, err = rawBefore(txn, kind, cutoff)
				return err
			})
			if err != nil {
				return err
			}

			for _, g := range compaction.GroupSamples(old, req.Width, cutoff) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.writeGroup(g); err != nil {
					return fmt.Errorf("failed to write bucket %s@%s: %w", g.Kind, g.Start.Format(time.RFC3339), err)
				}
				res.Buckets++
				res.Replaced += len(g.Sources)
			}
		}
		return nil
	})
	return res, err
}

func rawBefore(txn *badger.Txn, kind metrics.Kind, cutoff time.Time) ([]metrics.Sample, error) {
	prefix := seriesPrefix(classRaw, kind)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var samples []metrics.Sample
	end := makeKey(classRaw, kind, cutoff)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if string(item.Key()) >= string(end) {
			break
		}
		var sample metrics.Sample
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sample)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// writeGroup merges one group into its bucket and deletes the sources
func (s *Storage) writeGroup(g compaction.Group) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := makeKey(classBucket, g.Kind, g.Start)
		agg := g.Aggregate

		item, err := txn.Get(key)
		switch {
		case err == nil:
			var existing metrics.Bucket
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("failed to decode bucket: %w", err)
			}
			merged := compaction.FromBucket(existing)
			merged.Merge(&agg)
			agg = *merged
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		value, err := json.Marshal(agg.ToBucket())
		if err != nil {
			return fmt.Errorf("failed to encode bucket: %w", err)
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		for _, src := range g.Sources {
			if err := txn.Delete(makeKey(classRaw, src.Kind, src.Timestamp)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query retrieves points for one kind in [Start, End] from a single snapshot
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Point, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var out []metrics.Point
	err := run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			buckets, err := scanRange(ctx, txn, classBucket, req)
			if err != nil {
				return err
			}
			raw, err := scanRange(ctx, txn, classRaw, req)
			if err != nil {
				return err
			}
			out = storage.MergePoints(buckets, raw)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanRange(ctx context.Context, txn *badger.Txn, class byte, req storage.QueryRequest) ([]metrics.Point, error) {
	prefix := seriesPrefix(class, req.Kind)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	points := []metrics.Point{}
	var iterCount int
	for it.Seek(makeKey(class, req.Kind, req.Start)); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		item := it.Item()
		ts := parseKeyTime(item.Key())
		if ts.After(req.End) {
			break
		}

		p, err := decodePoint(class, item)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func decodePoint(class byte, item *badger.Item) (metrics.Point, error) {
	var p metrics.Point
	err := item.Value(func(val []byte) error {
		if class == classBucket {
			var b metrics.Bucket
			if err := json.Unmarshal(val, &b); err != nil {
				return err
			}
			p = metrics.Point{Time: b.Start, Value: b.Avg}
			return nil
		}
		var sample metrics.Sample
		if err := json.Unmarshal(val, &sample); err != nil {
			return err
		}
		p = metrics.Point{Time: sample.Timestamp, Value: sample.Value}
		return nil
	})
	if err != nil {
		return p, fmt.Errorf("failed to decode value: %w", err)
	}
	return p, nil
}

// Latest returns the newest point for a kind
func (s *Storage) Latest(ctx context.Context, kind metrics.Kind) (metrics.Point, bool, error) {
	if s.closed.Load() {
		return metrics.Point{}, false, storage.ErrClosed
	}

	var (
		latest metrics.Point
		found  bool
	)
	err := run(ctx, "latest", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			for _, class := range []byte{classRaw, classBucket} {
				p, ok, err := lastInSeries(txn, class, kind)
				if err != nil {
					return err
				}
				if ok && (!found || p.Time.After(latest.Time)) {
					latest, found = p, true
				}
			}
			return nil
		})
	})
	return latest, found, err
}

func lastInSeries(txn *badger.Txn, class byte, kind metrics.Kind) (metrics.Point, bool, error) {
	prefix := seriesPrefix(class, kind)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchSize = 1
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return metrics.Point{}, false, nil
	}
	p, err := decodePoint(class, it.Item())
	if err != nil {
		return metrics.Point{}, false, err
	}
	return p, true, nil
}

// Close shuts down BadgerDB cleanly. Safe to call more than once.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	if err == nil {
		s.logger.Debug("value log rewritten", zap.Float64("discard_ratio", discardRatio))
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{}
	err := run(ctx, "stats", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				if len(key) != keyLen {
					continue
				}
				switch key[0] {
				case classRaw:
					stats.RawSamples++
				case classBucket:
					stats.Buckets++
				default:
					continue
				}

				ts := parseKeyTime(key)
				if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
					stats.Oldest = ts
				}
				if stats.Newest.IsZero() || ts.After(stats.Newest) {
					stats.Newest = ts
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		lsmSize, vlogSize := s.db.Size()
		stats.SizeBytes = uint64(lsmSize + vlogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// seriesPrefix is [class (1 byte)][kind_hash (8 bytes)]
func seriesPrefix(class byte, kind metrics.Kind) []byte {
	prefix := make([]byte, 9)
	prefix[0] = class
	binary.BigEndian.PutUint64(prefix[1:9], xxhash.Sum64String(string(kind)))
	return prefix
}

// makeKey creates a sortable key: class + kind hash + timestamp
// Format: [class (1 byte)][kind_hash (8 bytes)][timestamp (8 bytes)]
func makeKey(class byte, kind metrics.Kind, ts time.Time) []byte {
	key := make([]byte, keyLen)
	copy(key, seriesPrefix(class, kind))
	binary.BigEndian.PutUint64(key[9:keyLen], uint64(ts.UnixNano()))
	return key
}

// parseKeyTime extracts the timestamp from a storage key
func parseKeyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:keyLen]))).UTC()
}
