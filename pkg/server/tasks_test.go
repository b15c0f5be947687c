package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nicktill/botpulse/pkg/server/monitor"
)

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	mon := monitor.NewTaskMonitor("prune", time.Hour)
	sched := Schedule{MaxRetries: 3, BaseDelay: time.Millisecond}

	calls := 0
	runWithRetry(context.Background(), "prune", sched, mon, zap.NewNop(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return 12, nil
	})

	assert.Equal(t, 3, calls)
	status := mon.Status()
	assert.Equal(t, 12, status.LastRemoved)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.True(t, status.Healthy)
}

func TestRunWithRetry_GivesUp(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mon := monitor.NewTaskMonitor("compaction", time.Hour)
	sched := Schedule{MaxRetries: 2, BaseDelay: time.Millisecond}

	calls := 0
	runWithRetry(context.Background(), "compaction", sched, mon, zap.New(core), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("disk full")
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, mon.Status().ConsecutiveErrors)
	assert.Equal(t, "disk full", mon.Status().LastError)
	assert.Equal(t, 1, logs.FilterMessage("task failed after retries, will run again on next schedule").Len())
}

func TestRunWithRetry_StopsOnCancel(t *testing.T) {
	mon := monitor.NewTaskMonitor("prune", time.Hour)
	sched := Schedule{MaxRetries: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runWithRetry(ctx, "prune", sched, mon, zap.NewNop(), func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return mon.Status().ConsecutiveErrors == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}

func TestEvery_RunsImmediatelyThenPerTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := make(chan struct{})
	go func() {
		every(ctx, 5*time.Millisecond, func() { runs.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
