package export

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/httpx"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *zap.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Storage, retention time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store, retention),
		logger:   logger,
	}
}

// HandleExport handles GET /api/metrics/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - minutes: window ending now (default: 24h, max 30d)
//   - start, end: RFC3339 timestamps, used when minutes is absent
//   - kind: metric kind filter (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	now := time.Now()
	end := parseTimeParam(query.Get("end"), now)
	start := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if raw := query.Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		end = now
		start = now.Add(-time.Duration(minutes) * time.Minute)
	}

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := Options{Start: start, End: end}
	if raw := query.Get("kind"); raw != "" {
		kind, err := metrics.ParseKind(raw)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Kinds = []metrics.Kind{kind}
	}

	timestamp := now.Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=botpulse-export-%s.%s", timestamp, format))

	var result *Result
	var err error
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("export complete",
		zap.Int("points", result.PointsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange),
	)
}

// HandleImport handles POST /api/metrics/import
// Accepts a JSON export and appends its points as samples
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), r.Body)
	if err != nil {
		h.logger.Error("import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import skipped invalid points",
			zap.Int("skipped", len(result.Errors)),
			zap.Strings("first", result.Errors[:min(10, len(result.Errors))]),
		)
	}
	h.logger.Info("import complete",
		zap.Int("samples", result.SamplesImported),
		zap.Int("batches", result.BatchesWritten),
		zap.String("range", result.TimeRange),
	)

	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses a time parameter or returns def
func parseTimeParam(param string, def time.Time) time.Time {
	if param == "" {
		return def
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t
	}
	return def
}
