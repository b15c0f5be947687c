package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// MaxImportBatchSize is the maximum number of samples appended at once
const MaxImportBatchSize = 5000

// Importer restores samples from a JSON export
type Importer struct {
	storage   storage.Storage
	retention time.Duration
	now       func() time.Time
}

// NewImporter creates a new importer. Points older than retention are rejected
// since the next prune would delete them; zero disables that check.
func NewImporter(store storage.Storage, retention time.Duration) *Importer {
	return &Importer{storage: store, retention: retention, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	SamplesImported int       `json:"samples_imported"`
	BatchesWritten  int       `json:"batches_written"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON appends every valid point of an export as a raw sample.
// Invalid points are skipped and reported in Errors.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	now := im.now()
	var validationErrors []string
	samples := make([]metrics.Sample, 0, doc.Metadata.PointCount)
	for _, kind := range metrics.Kinds() {
		for i, p := range doc.Series[kind] {
			s := metrics.Sample{Kind: kind, Timestamp: p.Time.UTC(), Value: p.Value}
			if err := im.validate(s, now); err != nil {
				validationErrors = append(validationErrors, fmt.Sprintf("%s[%d]: %v", kind, i, err))
				continue
			}
			samples = append(samples, s)
		}
	}
	for kind := range doc.Series {
		if !kind.Valid() {
			validationErrors = append(validationErrors, fmt.Sprintf("unknown kind %q", kind))
		}
	}

	if len(samples) == 0 {
		return &ImportResult{
			TimeRange:  "empty",
			ImportedAt: now,
			Errors:     validationErrors,
		}, nil
	}

	batchCount := 0
	for i := 0; i < len(samples); i += MaxImportBatchSize {
		end := min(i+MaxImportBatchSize, len(samples))
		if err := im.storage.Append(ctx, samples[i:end]...); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", batchCount, err)
		}
		batchCount++
	}

	minTime, maxTime := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp.Before(minTime) {
			minTime = s.Timestamp
		}
		if s.Timestamp.After(maxTime) {
			maxTime = s.Timestamp
		}
	}

	return &ImportResult{
		SamplesImported: len(samples),
		BatchesWritten:  batchCount,
		TimeRange:       timeRange(minTime, maxTime),
		ImportedAt:      now,
		Errors:          validationErrors,
	}, nil
}

// validate rejects points that are malformed or would not behave like sampler
// output: a future point would shadow live readings in the snapshot
func (im *Importer) validate(s metrics.Sample, now time.Time) error {
	if s.Timestamp.IsZero() || s.Timestamp.Unix() <= 0 {
		return fmt.Errorf("timestamp missing")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("value is not finite")
	}
	if s.Timestamp.After(now) {
		return fmt.Errorf("timestamp in the future: %s", s.Timestamp.Format(time.RFC3339))
	}
	if im.retention > 0 && s.Timestamp.Before(storage.PruneCutoff(now, im.retention)) {
		return fmt.Errorf("timestamp outside retention window: %s", s.Timestamp.Format(time.RFC3339))
	}
	return nil
}
