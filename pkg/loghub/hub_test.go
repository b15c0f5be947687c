package loghub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nicktill/botpulse/pkg/metrics"
)

func line(msg string) metrics.LogLine {
	return metrics.LogLine{Timestamp: time.Now(), Level: metrics.LevelInfo, Message: msg}
}

func messages(lines []metrics.LogLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Message
	}
	return out
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	h := New(WithCapacity(3))
	defer h.Close()

	sub := h.Subscribe()
	for i := 1; i <= 6; i++ {
		h.Publish(line(fmt.Sprint(i)))
	}

	require.Equal(t, []string{"4", "5", "6"}, messages(sub.Drain()))
	require.Equal(t, uint64(3), sub.Dropped())
	require.Empty(t, sub.Drain())
}

func TestHub_FanOutInOrder(t *testing.T) {
	h := New()
	defer h.Close()

	a, b := h.Subscribe(), h.Subscribe()
	require.Equal(t, 2, h.Subscribers())

	for i := 0; i < 5; i++ {
		h.Publish(line(fmt.Sprint(i)))
	}

	want := []string{"0", "1", "2", "3", "4"}
	require.Equal(t, want, messages(a.Drain()))
	require.Equal(t, want, messages(b.Drain()))
}

func TestHub_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := New(WithCapacity(2))
	defer h.Close()

	slow, fast := h.Subscribe(), h.Subscribe()
	for i := 0; i < 4; i++ {
		h.Publish(line(fmt.Sprint(i)))
		require.Len(t, fast.Drain(), 1)
	}

	require.Equal(t, []string{"2", "3"}, messages(slow.Drain()))
	require.Zero(t, fast.Dropped())
}

func TestHub_NoSubscribersIsNoop(t *testing.T) {
	h := New()
	h.Publish(line("nobody listening"))
	require.Equal(t, uint64(1), h.Published())
}

func TestHub_UnsubscribeReleasesQueue(t *testing.T) {
	h := New()
	defer h.Close()

	sub := h.Subscribe()
	h.Publish(line("before"))
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	sub.Close()

	require.Zero(t, h.Subscribers())
	require.Zero(t, sub.Len())
	require.Nil(t, sub.Drain())

	// Publishing after a consumer left must not panic or block
	h.Publish(line("after"))

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestSubscriber_Next(t *testing.T) {
	h := New()
	defer h.Close()
	sub := h.Subscribe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Publish(line("hello"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", got.Message)
}

func TestSubscriber_NextUnblocksOnCloseAndCancel(t *testing.T) {
	h := New()
	sub := h.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	h.Close()
	require.ErrorIs(t, <-errCh, ErrClosed)

	h2 := New()
	defer h2.Close()
	sub2 := h2.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub2.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHub_CloseIsTerminal(t *testing.T) {
	h := New()
	a := h.Subscribe()

	h.Close()
	h.Close()

	require.Zero(t, h.Subscribers())
	h.Publish(line("dropped"))
	require.Zero(t, h.Published())

	late := h.Subscribe()
	_, err := late.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = a.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestHub_Recent(t *testing.T) {
	h := New(WithBacklog(3))
	defer h.Close()

	require.Empty(t, h.Recent(10))
	for i := 1; i <= 5; i++ {
		h.Publish(line(fmt.Sprint(i)))
	}

	require.Equal(t, []string{"3", "4", "5"}, messages(h.Recent(10)))
	require.Equal(t, []string{"4", "5"}, messages(h.Recent(2)))
	require.Equal(t, 3, h.BacklogLen())
	require.Empty(t, h.Recent(0))
}

func TestHub_ConcurrentPublishAndChurn(t *testing.T) {
	h := New(WithCapacity(16))
	defer h.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h.Publish(line(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := h.Subscribe()
				sub.Drain()
				sub.Close()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, h.Subscribers())
	assert.Equal(t, uint64(2000), h.Published())
}

func TestCore_PublishesZapEntries(t *testing.T) {
	h := New()
	defer h.Close()
	sub := h.Subscribe()

	logger := zap.New(NewCore(h, zapcore.InfoLevel)).Named("battle")
	logger.Debug("filtered out")
	logger.With(zap.String(GuildKey, "Arena(42)")).Warn("slow turn", zap.Int("turn", 3))
	logger.Info("ready")

	lines := sub.Drain()
	require.Len(t, lines, 2)

	require.Equal(t, metrics.LevelWarning, lines[0].Level)
	require.Equal(t, "battle", lines[0].Logger)
	require.Equal(t, "Arena(42)", lines[0].Guild)
	require.Equal(t, "slow turn turn=3", lines[0].Message)

	require.Equal(t, metrics.CoreGuild, lines[1].Guild)
	require.Equal(t, "ready", lines[1].Message)
}

func TestLevelOf(t *testing.T) {
	require.Equal(t, metrics.LevelDebug, LevelOf(zapcore.DebugLevel))
	require.Equal(t, metrics.LevelInfo, LevelOf(zapcore.InfoLevel))
	require.Equal(t, metrics.LevelWarning, LevelOf(zapcore.WarnLevel))
	require.Equal(t, metrics.LevelError, LevelOf(zapcore.ErrorLevel))
	require.Equal(t, metrics.LevelCritical, LevelOf(zapcore.DPanicLevel))
	require.Equal(t, metrics.LevelCritical, LevelOf(zapcore.FatalLevel))
}

func TestErrorCounter_Window(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	c := NewErrorCounter(48 * time.Hour)
	c.clock = func() time.Time { return now }

	c.Record(now.Add(-49 * time.Hour))
	c.Record(now.Add(-47 * time.Hour))
	c.Record(now.Add(-time.Minute))
	c.Record(now.Add(-time.Minute))
	require.Equal(t, 3, c.Count())

	now = now.Add(2 * time.Hour)
	require.Equal(t, 2, c.Count())
}

func TestErrorCounter_CountsOnlyErrors(t *testing.T) {
	c := NewErrorCounter(0)
	logger := zap.New(c)

	logger.Info("fine")
	logger.Warn("hmm")
	logger.Error("broken")
	logger.DPanic("very broken")

	require.Equal(t, 2, c.Count())
}
