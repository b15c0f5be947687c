package source

import (
	"math"
	"sync/atomic"
	"time"
)

// BotStats is what the bot exposes about itself.
// ok is false until the value is known (e.g. before the first gateway heartbeat).
type BotStats interface {
	Latency() (time.Duration, bool)
	GuildCount() (int, bool)
}

// BotState is a BotStats the bot's event handlers update in place
type BotState struct {
	latency atomic.Int64
	guilds  atomic.Int64
}

// NewBotState returns a state with nothing known yet
func NewBotState() *BotState {
	b := &BotState{}
	b.latency.Store(-1)
	b.guilds.Store(-1)
	return b
}

// SetLatency records the last heartbeat round trip. Negative values are ignored.
func (b *BotState) SetLatency(d time.Duration) {
	if d < 0 {
		return
	}
	b.latency.Store(int64(d))
}

// SetLatencySeconds records a round trip reported in (possibly fractional) seconds
func (b *BotState) SetLatencySeconds(s float64) {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return
	}
	b.SetLatency(time.Duration(s * float64(time.Second)))
}

// SetGuildCount records the number of guilds the bot is in
func (b *BotState) SetGuildCount(n int) {
	if n < 0 {
		return
	}
	b.guilds.Store(int64(n))
}

// Latency implements BotStats
func (b *BotState) Latency() (time.Duration, bool) {
	v := b.latency.Load()
	return time.Duration(v), v >= 0
}

// GuildCount implements BotStats
func (b *BotState) GuildCount() (int, bool) {
	v := b.guilds.Load()
	return int(v), v >= 0
}
