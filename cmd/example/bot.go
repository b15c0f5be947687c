package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/source"
)

var arenas = []string{"Arena(101)", "Colosseum(202)", "Pit(303)"}

// simBot stands in for a chat bot: it updates the shared BotState and logs battle events
type simBot struct {
	state  *source.BotState
	logger *zap.Logger
	rng    *rand.Rand

	guilds int
	turn   int
}

func newSimBot(state *source.BotState, logger *zap.Logger, seed int64) *simBot {
	return &simBot{
		state:  state,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		guilds: 3,
	}
}

// run steps the simulation every interval until ctx is done
func (b *simBot) run(ctx context.Context, interval time.Duration) {
	// The first heartbeat arrives a moment after login, like a real gateway
	select {
	case <-time.After(interval / 2):
	case <-ctx.Done():
		return
	}
	b.logger.Info("logged in", zap.Int("guilds", b.guilds))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b.step()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			b.logger.Info("logging out")
			return
		}
	}
}

// step advances the simulation by one heartbeat
func (b *simBot) step() {
	b.turn++

	// 40-60ms with the occasional slow heartbeat
	latency := 40*time.Millisecond + time.Duration(b.rng.Intn(20))*time.Millisecond
	if b.rng.Intn(20) == 0 {
		latency += 250 * time.Millisecond
		b.logger.Warn("slow heartbeat", zap.Duration("latency", latency))
	}
	b.state.SetLatency(latency)

	switch b.rng.Intn(30) {
	case 0:
		b.guilds++
		b.logger.Info("joined guild", zap.Int("guilds", b.guilds))
	case 1:
		if b.guilds > 1 {
			b.guilds--
			b.logger.Info("left guild", zap.Int("guilds", b.guilds))
		}
	}
	b.state.SetGuildCount(b.guilds)

	arena := arenas[b.turn%len(arenas)]
	battle := b.logger.Named("battle").With(zap.String(loghub.GuildKey, arena))
	battle.Info(fmt.Sprintf("turn %d resolved", b.turn))
	if b.rng.Intn(15) == 0 {
		battle.Error("battle prompt failed", zap.Int("turn", b.turn))
	}
}
