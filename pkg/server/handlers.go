package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/export"
	"github.com/nicktill/botpulse/pkg/httpx"
	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/query"
	"github.com/nicktill/botpulse/pkg/sampler"
	"github.com/nicktill/botpulse/pkg/server/monitor"
	"github.com/nicktill/botpulse/pkg/source"
	"github.com/nicktill/botpulse/pkg/storage"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// historyKinds are the series charted by the dashboard
var historyKinds = []metrics.Kind{metrics.KindCPU, metrics.KindMemory, metrics.KindLatency}

// API serves the dashboard endpoints
type API struct {
	Engine  *query.Engine
	Hub     *loghub.Hub
	Store   storage.Storage
	Sampler *sampler.Sampler
	Export  *export.Handler

	Prune      *monitor.TaskMonitor
	Compaction *monitor.TaskMonitor // nil when compaction is disabled
	Disk       *monitor.StorageMonitor

	StartedAt time.Time
	Logger    *zap.Logger
}

// MemoryResponse is the memory part of a snapshot
type MemoryResponse struct {
	MB      float64 `json:"mb"`
	Percent float64 `json:"percent"`
}

// MetricsResponse is the GET /api/metrics body
type MetricsResponse struct {
	Uptime    query.Uptime   `json:"uptime"`
	Latency   *float64       `json:"latency"`
	Guilds    int64          `json:"guilds"`
	Errors    int64          `json:"errors"`
	CPU       float64        `json:"cpu"`
	Memory    MemoryResponse `json:"memory"`
	Timestamp float64        `json:"timestamp"`
}

// LogsResponse is the GET /api/logs body
type LogsResponse struct {
	Logs       []string `json:"logs"`
	Timestamp  float64  `json:"timestamp"`
	TotalLines int      `json:"total_lines"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version"`
	Uptime      query.Uptime                  `json:"uptime"`
	Tasks       map[string]monitor.TaskStatus `json:"tasks"`
	Storage     *storage.Stats                `json:"storage,omitempty"`
	StorageErr  string                        `json:"storage_error,omitempty"`
	Disk        *monitor.DiskUsage            `json:"disk,omitempty"`
	Sampler     *sampler.Stats                `json:"sampler,omitempty"`
	Host        *source.Host                  `json:"host,omitempty"`
	Subscribers int                           `json:"log_subscribers"`
}

// Routes registers every endpoint on router
func (a *API) Routes(router *mux.Router, corsOrigins ...string) {
	router.Use(httpx.RequestLogger(a.Logger))
	if len(corsOrigins) > 0 {
		router.Use(httpx.CORS(corsOrigins...))
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/metrics", a.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/history", a.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/logs", a.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.Export != nil {
		api.HandleFunc("/metrics/export", a.Export.HandleExport).Methods(http.MethodGet)
		api.HandleFunc("/metrics/import", a.Export.HandleImport).Methods(http.MethodPost)
	}

	router.HandleFunc("/ws/logs", a.handleLogStream).Methods(http.MethodGet)
}

// handleMetrics returns the current snapshot
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	snap := a.Engine.Snapshot(ctx)
	resp := MetricsResponse{
		Uptime:    query.SplitUptime(snap.Uptime),
		Guilds:    int64(snap.Guilds.Value),
		Errors:    int64(snap.Errors.Value),
		CPU:       round2(snap.CPU.Value),
		Memory:    MemoryResponse{MB: round2(snap.MemoryMB.Value), Percent: round2(snap.MemoryPercent.Value)},
		Timestamp: unixSeconds(snap.Timestamp),
	}
	if snap.Latency.Present {
		ms := round2(snap.Latency.Value)
		resp.Latency = &ms
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// handleHistory returns charted series for the last N minutes
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	minutes := query.DefaultHistoryMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "minutes must be an integer")
			return
		}
		minutes = n
	}
	minutes = query.ClampMinutes(minutes)

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	series, err := a.Engine.HistoryAll(ctx, historyKinds, minutes)
	if err != nil {
		a.Logger.Error("history query failed", zap.Int("minutes", minutes), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := make(map[string][]metrics.Point, len(historyKinds))
	for _, kind := range historyKinds {
		points := series[kind]
		if points == nil {
			points = []metrics.Point{}
		}
		resp[string(kind)] = points
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// handleLogs returns the tail of the log backlog
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lines := defaultLogLines
	if raw := q.Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "lines must be an integer")
			return
		}
		lines = min(max(n, 1), maxLogLines)
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		ts, err := parseUnixSeconds(raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "since must be a unix timestamp")
			return
		}
		since = ts
	}

	recent := a.Hub.Recent(lines)
	out := make([]string, 0, len(recent))
	for _, line := range recent {
		if !since.IsZero() && !line.Timestamp.After(since) {
			continue
		}
		out = append(out, line.String())
	}

	httpx.RespondJSON(w, http.StatusOK, LogsResponse{
		Logs:       out,
		Timestamp:  unixSeconds(time.Now()),
		TotalLines: a.Hub.BacklogLen(),
	})
}

// handleHealth returns service health status.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	healthy := true
	resp := HealthResponse{
		Version:     Version,
		Uptime:      query.SplitUptime(time.Since(a.StartedAt)),
		Tasks:       make(map[string]monitor.TaskStatus, 2),
		Subscribers: a.Hub.Subscribers(),
	}

	for _, mon := range []*monitor.TaskMonitor{a.Prune, a.Compaction} {
		if mon == nil {
			continue
		}
		status := mon.Status()
		resp.Tasks[mon.Name()] = status
		healthy = healthy && status.Healthy
	}

	if stats, err := a.Store.Stats(ctx); err != nil {
		healthy = false
		resp.StorageErr = err.Error()
	} else {
		resp.Storage = stats
	}

	if a.Disk != nil {
		if usage, err := a.Disk.Usage(ctx); err == nil {
			resp.Disk = &usage
		} else {
			a.Logger.Debug("disk usage unavailable", zap.Error(err))
		}
	}
	if a.Sampler != nil {
		stats := a.Sampler.Stats()
		resp.Sampler = &stats
	}
	if host, err := source.ReadHost(ctx); err == nil {
		resp.Host = &host
	}

	status := http.StatusOK
	resp.Status = "healthy"
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, status, resp)
}

// maxUnixSeconds is 9999-12-31T23:59:59Z
const maxUnixSeconds = 253402300799

var errBadTimestamp = errors.New("invalid unix timestamp")

// parseUnixSeconds parses fractional unix seconds in [0, maxUnixSeconds]
func parseUnixSeconds(raw string) (time.Time, error) {
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(sec) || sec < 0 || sec > maxUnixSeconds {
		return time.Time{}, errBadTimestamp
	}
	whole := math.Floor(sec)
	return time.Unix(int64(whole), int64((sec-whole)*float64(time.Second))), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
