package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedErrors int

func (f fixedErrors) Count() int { return int(f) }

func TestBotState(t *testing.T) {
	b := NewBotState()

	_, ok := b.Latency()
	require.False(t, ok)
	_, ok = b.GuildCount()
	require.False(t, ok)

	b.SetLatencySeconds(0.0425)
	b.SetGuildCount(7)

	d, ok := b.Latency()
	require.True(t, ok)
	require.Equal(t, 42500*time.Microsecond, d)

	n, ok := b.GuildCount()
	require.True(t, ok)
	require.Equal(t, 7, n)

	// Invalid updates keep the last good value
	b.SetGuildCount(-1)
	n, _ = b.GuildCount()
	require.Equal(t, 7, n)
}

func TestProcess_Read(t *testing.T) {
	bot := NewBotState()
	p, err := NewProcess(bot, fixedErrors(2))
	require.NoError(t, err)

	r := p.Read(context.Background())
	require.Empty(t, r.Errs)
	require.NotNil(t, r.CPU)
	require.NotNil(t, r.MemoryMB)
	require.Greater(t, *r.MemoryMB, 0.0)
	require.Nil(t, r.Latency, "no heartbeat yet")
	require.Nil(t, r.Guilds)
	require.Equal(t, 2.0, *r.Errors)

	bot.SetLatency(150 * time.Millisecond)
	bot.SetGuildCount(3)
	r = p.Read(context.Background())
	require.Equal(t, 150.0, *r.Latency)
	require.Equal(t, 3.0, *r.Guilds)
}

func TestProcess_NoBot(t *testing.T) {
	p, err := NewProcess(nil, nil)
	require.NoError(t, err)

	r := p.Read(context.Background())
	require.Nil(t, r.Latency)
	require.Nil(t, r.Errors)
}

func TestReadHost(t *testing.T) {
	h, err := ReadHost(context.Background())
	require.NoError(t, err)
	require.Greater(t, h.CPUs, 0)
	require.Greater(t, h.MemoryTotalMB, 0.0)
}
