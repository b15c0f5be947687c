package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/botpulse/pkg/metrics"
)

var (
	// ErrInvalidSample is returned by Append for samples that are not well-formed
	ErrInvalidSample = errors.New("invalid sample")

	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("storage closed")
)

// DefaultRetention matches a retention window of 7 days
const DefaultRetention = 7 * 24 * time.Hour

// Storage defines the interface for sample storage backends.
// Implementations: memory (testing), badger (default), postgres (optional)
//
// Append, Prune and Compact are serialized against each other. Reads may run
// concurrently with them and see either the state before or after a mutation.
type Storage interface {
	// Append stores samples
	Append(ctx context.Context, samples ...metrics.Sample) error

	// Prune removes every sample and bucket older than now minus the retention window
	Prune(ctx context.Context, now time.Time) (int, error)

	// Compact replaces old raw samples with bucket averages, transactionally
	Compact(ctx context.Context, req CompactRequest) (CompactResult, error)

	// Query retrieves time-ordered points for one kind
	Query(ctx context.Context, req QueryRequest) ([]metrics.Point, error)

	// Latest returns the most recent point for a kind
	Latest(ctx context.Context, kind metrics.Kind) (metrics.Point, bool, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// QueryRequest specifies what points to retrieve
type QueryRequest struct {
	Kind metrics.Kind

	// Inclusive time range
	Start time.Time
	End   time.Time
}

// CompactRequest specifies which samples to compact
type CompactRequest struct {
	Now          time.Time
	ThresholdAge time.Duration
	Width        time.Duration
}

// CompactResult reports what a compaction pass did
type CompactResult struct {
	// Buckets written (new or merged)
	Buckets int

	// Raw samples removed
	Replaced int
}

// Stats provides storage health and usage info
type Stats struct {
	RawSamples uint64 `json:"raw_samples"`
	Buckets    uint64 `json:"buckets"`
	SizeBytes  uint64 `json:"size_bytes"`

	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// PruneCutoff returns the oldest timestamp that survives a prune at now
func PruneCutoff(now time.Time, retention time.Duration) time.Time {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return now.Add(-retention)
}

// RetentionDays converts a retention window in days into a duration
func RetentionDays(days int) time.Duration {
	if days <= 0 {
		return DefaultRetention
	}
	return time.Duration(days) * 24 * time.Hour
}

// ValidateSamples checks every sample before anything is written
func ValidateSamples(samples []metrics.Sample) error {
	for _, s := range samples {
		if !s.Valid() {
			return ErrInvalidSample
		}
	}
	return nil
}
