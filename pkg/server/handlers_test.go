package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/export"
	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/query"
	"github.com/nicktill/botpulse/pkg/server/monitor"
	"github.com/nicktill/botpulse/pkg/storage/memory"
)

var now = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	api    *API
	store  *memory.Storage
	hub    *loghub.Hub
	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	hub := loghub.New()
	t.Cleanup(func() {
		hub.Close()
		store.Close()
	})

	uptime := 26*time.Hour + 3*time.Minute + 4*time.Second
	api := &API{
		Engine: query.New(store, query.Config{
			Clock:         func() time.Time { return now },
			StartedAt:     now.Add(-uptime),
			MemoryPercent: func() (float64, bool) { return 3.14159, true },
		}, nil),
		Hub:       hub,
		Store:     store,
		Export:    export.NewHandler(store, 7*24*time.Hour, zap.NewNop()),
		Prune:     monitor.NewTaskMonitor("prune", time.Hour),
		StartedAt: time.Now(),
		Logger:    zap.NewNop(),
	}
	router := mux.NewRouter()
	api.Routes(router, "*")
	return &testEnv{api: api, store: store, hub: hub, router: router}
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleMetrics_Empty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["latency"])
	assert.Contains(t, body, "latency")
	assert.EqualValues(t, 0, body["guilds"])
	assert.EqualValues(t, 0, body["cpu"])

	uptime := body["uptime"].(map[string]interface{})
	assert.Equal(t, "1d 2h 3m 4s", uptime["formatted"])
	assert.EqualValues(t, 93784, uptime["seconds"])
}

func TestHandleMetrics_Snapshot(t *testing.T) {
	env := newTestEnv(t)
	ts := now.Add(-time.Second)
	require.NoError(t, env.store.Append(context.Background(),
		metrics.Sample{Kind: metrics.KindCPU, Timestamp: ts, Value: 12.3456},
		metrics.Sample{Kind: metrics.KindMemory, Timestamp: ts, Value: 210.987},
		metrics.Sample{Kind: metrics.KindLatency, Timestamp: ts, Value: 41.239},
		metrics.Sample{Kind: metrics.KindGuilds, Timestamp: ts, Value: 12},
		metrics.Sample{Kind: metrics.KindErrors, Timestamp: ts, Value: 2},
	))

	rec := env.get(t, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Latency)
	assert.Equal(t, 41.24, *resp.Latency)
	assert.Equal(t, int64(12), resp.Guilds)
	assert.Equal(t, int64(2), resp.Errors)
	assert.Equal(t, 12.35, resp.CPU)
	assert.Equal(t, MemoryResponse{MB: 210.99, Percent: 3.14}, resp.Memory)
	assert.Equal(t, float64(now.Unix()), resp.Timestamp)
}

func TestHandleHistory(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 30; i++ {
		require.NoError(t, env.store.Append(context.Background(),
			metrics.Sample{Kind: metrics.KindCPU, Timestamp: now.Add(-time.Duration(i) * 2 * time.Second), Value: float64(i)},
		))
	}
	require.NoError(t, env.store.Append(context.Background(),
		metrics.Sample{Kind: metrics.KindCPU, Timestamp: now.Add(-10 * time.Minute), Value: 99},
	))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCPU    int
	}{
		{"default two minutes", "", http.StatusOK, 30},
		{"explicit window", "?minutes=15", http.StatusOK, 31},
		{"zero clamps to one", "?minutes=0", http.StatusOK, 30},
		{"huge clamps to a day", "?minutes=99999", http.StatusOK, 31},
		{"not an integer", "?minutes=abc", http.StatusBadRequest, 0},
		{"float", "?minutes=1.5", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(t, "/api/metrics/history"+tt.query)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body map[string][]metrics.Point
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Len(t, body["cpu"], tt.wantCPU)
			assert.NotNil(t, body["memory"])
			assert.NotNil(t, body["latency"])
			for i := 1; i < len(body["cpu"]); i++ {
				assert.True(t, body["cpu"][i-1].Time.Before(body["cpu"][i].Time))
			}
		})
	}
}

func TestHandleLogs(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2025, 11, 12, 10, 15, 30, 0, time.UTC)
	for i := 0; i < 3; i++ {
		env.hub.Publish(metrics.LogLine{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     metrics.LevelInfo,
			Logger:    "bot",
			Message:   fmt.Sprintf("line %d", i),
		})
	}

	rec := env.get(t, "/api/logs?lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{
		"[2025-11-12 10:15:31][bot][INFO][Core]: line 1",
		"[2025-11-12 10:15:32][bot][INFO][Core]: line 2",
	}, resp.Logs)
	assert.Equal(t, 3, resp.TotalLines)

	since := base.Add(time.Second).Unix()
	rec = env.get(t, fmt.Sprintf("/api/logs?since=%d", since))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Logs, 1)

	rec = env.get(t, "/api/logs?lines=0")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Logs, 1)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/logs?lines=many").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/logs?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/logs?since=1e12").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/logs?since=-1").Code)
}

func TestParseUnixSeconds(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "0", want: time.Unix(0, 0)},
		{raw: "1762942531", want: time.Unix(1762942531, 0)},
		{raw: "1762942531.25", want: time.Unix(1762942531, 250_000_000)},
		{raw: "10000000000", want: time.Unix(10_000_000_000, 0)},
		{raw: "253402300799", want: time.Unix(253402300799, 0)},
		{raw: "9300000000000", wantErr: true},
		{raw: "-5", wantErr: true},
		{raw: "NaN", wantErr: true},
		{raw: "Inf", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseUnixSeconds(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Contains(t, resp.Tasks, "prune")
	assert.NotNil(t, resp.Storage)

	env.api.Compaction = monitor.NewTaskMonitor("compaction", time.Hour)
	for i := 0; i < 4; i++ {
		env.api.Compaction.RecordFailure(errors.New("disk full"))
	}
	rec = env.get(t, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "disk full", resp.Tasks["compaction"].LastError)
}

func TestHandleHealth_StorageClosed(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	rec := env.get(t, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "storage_error")
}

func TestHandleExportRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/api/metrics/export?format=csv&minutes=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "timestamp,kind,value"))
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func dialLogs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func TestLogStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	env.hub.Publish(metrics.LogLine{Timestamp: now, Message: "before connect"})

	conn := dialLogs(t, srv)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	lines := []metrics.LogLine{
		{Timestamp: now, Level: metrics.LevelInfo, Logger: "battle", Guild: "Arena(42)", Message: "round 1"},
		{Timestamp: now, Level: metrics.LevelError, Logger: "battle", Message: "round 2 failed"},
	}
	for _, l := range lines {
		env.hub.Publish(l)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range lines {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, want.String(), string(data))
	}
}

func TestLogStream_DisconnectReleasesSubscriber(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialLogs(t, srv)
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Publishing after the consumer left is harmless
	env.hub.Publish(metrics.LogLine{Timestamp: now, Message: "nobody"})
}

func TestLogStream_HubCloseEndsStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialLogs(t, srv)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	env.hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
