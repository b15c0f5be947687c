package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/sampler"
	"github.com/nicktill/botpulse/pkg/storage"
	"github.com/nicktill/botpulse/pkg/storage/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		CollectionInterval: 20 * time.Millisecond,
		RetentionDays:      7,
		Compression:        true,
		HistoryBudget:      500,
		LogStreamBuffer:    100,
		Host:               "127.0.0.1",
		Port:               0,
	}
}

func newTestController(t *testing.T) (*Controller, *memory.Storage, *loghub.Hub) {
	t.Helper()
	store := memory.New()
	hub := loghub.New(loghub.WithCapacity(100))
	source := sampler.SourceFunc(func(context.Context) sampler.Readings {
		return sampler.Readings{
			CPU:      sampler.Float(7.5),
			MemoryMB: sampler.Float(128),
			Latency:  sampler.Float(42),
			Guilds:   sampler.Float(3),
		}
	})
	logger := zap.New(loghub.NewCore(hub, zap.InfoLevel))
	c := New(Deps{Config: testConfig(), Store: store, Hub: hub, Source: source, Logger: logger})
	return c, store, hub
}

func TestController_Lifecycle(t *testing.T) {
	c, store, hub := newTestController(t)
	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		p, ok, err := store.Latest(context.Background(), metrics.KindCPU)
		return err == nil && ok && p.Value == 7.5
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + c.Addr() + "/api/metrics")
	require.NoError(t, err)
	var body MetricsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.NotNil(t, body.Latency)
	assert.Equal(t, 42.0, *body.Latency)
	assert.Equal(t, int64(3), body.Guilds)

	require.Eventually(t, func() bool { return c.api.Prune.Status().Runs > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.api.Compaction.Status().Runs > 0 }, 2*time.Second, 10*time.Millisecond)

	conn, wsResp, err := websocket.DefaultDialer.Dial("ws://"+c.Addr()+"/ws/logs", nil)
	require.NoError(t, err)
	wsResp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	// Open streams are closed and nothing remains subscribed
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, hub.Subscribers())

	err = store.Append(context.Background(), metrics.Sample{Kind: metrics.KindCPU, Timestamp: time.Now(), Value: 1})
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestController_StopWithoutStart(t *testing.T) {
	c, store, hub := newTestController(t)
	require.NoError(t, c.Stop())

	_, err := store.Stats(context.Background())
	require.ErrorIs(t, err, storage.ErrClosed)

	_, err = hub.Subscribe().Next(context.Background())
	require.ErrorIs(t, err, loghub.ErrClosed)
}

func TestController_RunStopsOnCancel(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.sampler.Stats().Ticks > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestController_ListenError(t *testing.T) {
	c, _, _ := newTestController(t)
	c.server.Addr = "256.0.0.1:bad"
	require.Error(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
}

func TestController_RunReleasesStoreOnListenError(t *testing.T) {
	c, store, hub := newTestController(t)
	c.server.Addr = "256.0.0.1:bad"

	err := c.Run(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, storage.ErrClosed)

	_, err = store.Stats(context.Background())
	require.ErrorIs(t, err, storage.ErrClosed)
	_, err = hub.Subscribe().Next(context.Background())
	require.ErrorIs(t, err, loghub.ErrClosed)
}

func TestController_NoWriteTimeout(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.Zero(t, c.server.WriteTimeout)
	assert.Equal(t, config.ReadHeaderTimeout, c.server.ReadHeaderTimeout)
}
