package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Exporter handles exporting stored points to various formats
type Exporter struct {
	storage storage.Storage
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store}
}

// Options configures the export operation
type Options struct {
	// Inclusive time range
	Start time.Time
	End   time.Time

	// Kinds to export (nil = all kinds)
	Kinds []metrics.Kind
}

// Result contains stats about the export
type Result struct {
	PointsExported int       `json:"points_exported"`
	TimeRange      string    `json:"time_range"`
	Format         string    `json:"format"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	PointCount int       `json:"point_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout; Import reads the same shape
type Document struct {
	Metadata Metadata                        `json:"metadata"`
	Series   map[metrics.Kind][]metrics.Point `json:"series"`
}

// series queries every requested kind. Compacted ranges come back as bucket averages.
func (e *Exporter) series(ctx context.Context, opts Options) (map[metrics.Kind][]metrics.Point, []metrics.Kind, int, error) {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = metrics.Kinds()
	}

	out := make(map[metrics.Kind][]metrics.Point, len(kinds))
	total := 0
	for _, kind := range kinds {
		points, err := e.storage.Query(ctx, storage.QueryRequest{
			Kind:  kind,
			Start: opts.Start,
			End:   opts.End,
		})
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to query %s: %w", kind, err)
		}
		out[kind] = points
		total += len(points)
	}
	return out, kinds, total, nil
}

// ExportToJSON exports points as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	series, _, total, err := e.series(ctx, opts)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			StartTime:  opts.Start,
			EndTime:    opts.End,
			PointCount: total,
			Format:     "json",
			Version:    FormatVersion,
		},
		Series: series,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &Result{
		PointsExported: total,
		TimeRange:      timeRange(opts.Start, opts.End),
		Format:         "json",
		ExportedAt:     doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports points as CSV rows of timestamp, kind, value
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	series, kinds, total, err := e.series(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"timestamp", "kind", "value"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, kind := range kinds {
		for _, p := range series[kind] {
			row := []string{
				p.Time.UTC().Format(time.RFC3339Nano),
				string(kind),
				strconv.FormatFloat(p.Value, 'f', -1, 64),
			}
			if err := writer.Write(row); err != nil {
				return nil, fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &Result{
		PointsExported: total,
		TimeRange:      timeRange(opts.Start, opts.End),
		Format:         "csv",
		ExportedAt:     time.Now().UTC(),
	}, nil
}

func timeRange(start, end time.Time) string {
	return fmt.Sprintf("%s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
}
