// Package postgres implements a Postgres-backed sample store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

const (
	qInsertSample = `INSERT INTO samples (kind, ts, value) VALUES ($1, $2, $3)
		ON CONFLICT (kind, ts) DO UPDATE SET value = EXCLUDED.value`

	qPruneSamples = `DELETE FROM samples WHERE ts < $1`
	qPruneBuckets = `DELETE FROM sample_buckets WHERE start_ts < $1`

	// Late samples for an existing bucket are merged by weighted average
	qCompactInsert = `
INSERT INTO sample_buckets AS b (kind, start_ts, width_ns, avg, count, min, max)
SELECT kind, to_timestamp(floor(extract(epoch FROM ts) / $2) * $2), $3, avg(value), count(*), min(value), max(value)
FROM samples
WHERE ts < $1
GROUP BY 1, 2
ON CONFLICT (kind, start_ts) DO UPDATE SET
    avg   = (b.avg * b.count + EXCLUDED.avg * EXCLUDED.count) / (b.count + EXCLUDED.count),
    count = b.count + EXCLUDED.count,
    min   = LEAST(b.min, EXCLUDED.min),
    max   = GREATEST(b.max, EXCLUDED.max)`
	qCompactDelete = `DELETE FROM samples WHERE ts < $1`

	// src orders a bucket before a raw sample with the same timestamp
	qQuery = `
SELECT ts, value FROM (
    SELECT start_ts AS ts, avg AS value, 0 AS src FROM sample_buckets WHERE kind = $1 AND start_ts BETWEEN $2 AND $3
    UNION ALL
    SELECT ts, value, 1 AS src FROM samples WHERE kind = $1 AND ts BETWEEN $2 AND $3
) q ORDER BY ts, src`

	qLatest = `
SELECT ts, value FROM (
    SELECT start_ts AS ts, avg AS value, 0 AS src FROM sample_buckets WHERE kind = $1
    UNION ALL
    SELECT ts, value, 1 AS src FROM samples WHERE kind = $1
) q ORDER BY ts DESC, src DESC LIMIT 1`

	qStats = `
SELECT
    (SELECT count(*) FROM samples),
    (SELECT count(*) FROM sample_buckets),
    LEAST((SELECT min(ts) FROM samples), (SELECT min(start_ts) FROM sample_buckets)),
    GREATEST((SELECT max(ts) FROM samples), (SELECT max(start_ts) FROM sample_buckets)),
    pg_total_relation_size('samples') + pg_total_relation_size('sample_buckets')`
)

// Store persists samples in Postgres with retryable operations
type Store struct {
	db        *sql.DB
	retention time.Duration
	backoff   []time.Duration
	logger    *zap.Logger

	// writeMu serializes Append, Prune and Compact from this process
	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ storage.Storage = (*Store)(nil)

// Config holds Postgres backend settings
type Config struct {
	DSN       string
	Retention time.Duration
	Logger    *zap.Logger
}

// Open connects to Postgres, applies migrations and returns a store
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	err = retry(ctx, DefaultBackoff, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(ctx, db, cfg.Logger); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, cfg.Retention, cfg.Logger), nil
}

// New wraps an already migrated database handle
func New(db *sql.DB, retention time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		retention: retention,
		backoff:   DefaultBackoff,
		logger:    logger,
	}
}

// Append inserts samples inside one transaction
func (s *Store) Append(ctx context.Context, samples ...metrics.Sample) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := storage.ValidateSamples(samples); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retry(ctx, s.backoff, func() error {
		return s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, qInsertSample)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, sample := range samples {
				if _, err := stmt.ExecContext(ctx, string(sample.Kind), sample.Timestamp.UTC(), sample.Value); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Prune deletes samples and buckets older than the retention window
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	cutoff := storage.PruneCutoff(now, s.retention).UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int
	err := retry(ctx, s.backoff, func() error {
		removed = 0
		return s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
			for _, q := range []string{qPruneSamples, qPruneBuckets} {
				res, err := tx.ExecContext(ctx, q, cutoff)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				removed += int(n)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Compact folds raw samples older than the cutoff into buckets.
// Bucket upsert and source deletion commit together; repeatable read keeps a
// concurrent insert from being deleted without being counted.
func (s *Store) Compact(ctx context.Context, req storage.CompactRequest) (storage.CompactResult, error) {
	var res storage.CompactResult
	if s.closed.Load() {
		return res, storage.ErrClosed
	}
	if req.Width < time.Second {
		return res, fmt.Errorf("bucket width %s below postgres resolution", req.Width)
	}
	cutoff := compaction.Cutoff(req.Now, req.ThresholdAge, req.Width).UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retry(ctx, s.backoff, func() error {
		res = storage.CompactResult{}
		return s.inTx(ctx, sql.LevelRepeatableRead, func(tx *sql.Tx) error {
			ins, err := tx.ExecContext(ctx, qCompactInsert, cutoff, req.Width.Seconds(), int64(req.Width))
			if err != nil {
				return err
			}
			buckets, err := ins.RowsAffected()
			if err != nil {
				return err
			}

			del, err := tx.ExecContext(ctx, qCompactDelete, cutoff)
			if err != nil {
				return err
			}
			replaced, err := del.RowsAffected()
			if err != nil {
				return err
			}

			res.Buckets = int(buckets)
			res.Replaced = int(replaced)
			return nil
		})
	})
	return res, err
}

// Query retrieves points for one kind in [Start, End] with a single statement
func (s *Store) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Point, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var points []metrics.Point
	err := retry(ctx, s.backoff, func() error {
		rows, err := s.db.QueryContext(ctx, qQuery, string(req.Kind), req.Start.UTC(), req.End.UTC())
		if err != nil {
			return err
		}
		defer func() {
			_ = rows.Close()
		}()

		out := []metrics.Point{}
		for rows.Next() {
			var p metrics.Point
			if err := rows.Scan(&p.Time, &p.Value); err != nil {
				return err
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		points = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// Latest returns the newest point for a kind
func (s *Store) Latest(ctx context.Context, kind metrics.Kind) (metrics.Point, bool, error) {
	if s.closed.Load() {
		return metrics.Point{}, false, storage.ErrClosed
	}

	var p metrics.Point
	err := retry(ctx, s.backoff, func() error {
		return s.db.QueryRowContext(ctx, qLatest, string(kind)).Scan(&p.Time, &p.Value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return metrics.Point{}, false, nil
	}
	if err != nil {
		return metrics.Point{}, false, err
	}
	return p, true, nil
}

// Stats returns row counts and on-disk size
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{}
	err := retry(ctx, s.backoff, func() error {
		var oldest, newest sql.NullTime
		var size sql.NullInt64
		err := s.db.QueryRowContext(ctx, qStats).Scan(&stats.RawSamples, &stats.Buckets, &oldest, &newest, &size)
		if err != nil {
			return err
		}
		if oldest.Valid {
			stats.Oldest = oldest.Time
		}
		if newest.Valid {
			stats.Newest = newest.Time
		}
		if size.Valid {
			stats.SizeBytes = uint64(size.Int64)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Ping verifies the database connection using a short-lived context
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the connection pool. Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("postgres commit failed", zap.Error(err))
		return err
	}
	return nil
}
