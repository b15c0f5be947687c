package metrics

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := ParseKind("disk")
	require.Error(t, err)
}

func TestSample_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		sample Sample
		want   bool
	}{
		{"ok", Sample{Kind: KindCPU, Timestamp: now, Value: 12.5}, true},
		{"unknown kind", Sample{Kind: "disk", Timestamp: now, Value: 1}, false},
		{"zero time", Sample{Kind: KindCPU, Value: 1}, false},
		{"nan", Sample{Kind: KindCPU, Timestamp: now, Value: math.NaN()}, false},
		{"inf", Sample{Kind: KindCPU, Timestamp: now, Value: math.Inf(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.sample.Valid())
		})
	}
}

func TestPoint_JSONUsesUnixSeconds(t *testing.T) {
	p := Point{Time: time.Unix(1700000000, 500_000_000), Value: 3.5}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]float64
	require.NoError(t, json.Unmarshal(data, &raw))
	require.InDelta(t, 1700000000.5, raw["time"], 1e-6)
	require.Equal(t, 3.5, raw["value"])

	var back Point
	require.NoError(t, json.Unmarshal(data, &back))
	require.WithinDuration(t, p.Time, back.Time, time.Microsecond)
}

func TestLogLine_String(t *testing.T) {
	line := LogLine{
		Timestamp: time.Date(2025, 11, 12, 10, 15, 30, 0, time.UTC),
		Level:     LevelWarning,
		Logger:    "sampler",
		Message:   "latency unavailable",
	}
	require.Equal(t, "[2025-11-12 10:15:30][sampler][WARNING][Core]: latency unavailable", line.String())

	line.Logger = ""
	line.Guild = "Arena(42)"
	require.Equal(t, "[2025-11-12 10:15:30][core][WARNING][Arena(42)]: latency unavailable", line.String())
}
