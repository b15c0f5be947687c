package source

import (
	"context"
	"fmt"
	"os"

	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/sampler"
)

// ErrorCounter reports how many errors were logged in its trailing window
type ErrorCounter interface {
	Count() int
}

// Process reads health metrics for the current process plus the bot's own stats
type Process struct {
	proc        *process.Process
	bot         BotStats
	errors      ErrorCounter
	totalMemory uint64
}

var _ sampler.Source = (*Process)(nil)

// NewProcess creates a source for the running process. bot and errs may be nil.
func NewProcess(bot BotStats, errs ErrorCounter) (*Process, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &Process{
		proc:        proc,
		bot:         bot,
		errors:      errs,
		totalMemory: memory.TotalMemory(),
	}, nil
}

// Read implements sampler.Source
func (p *Process) Read(ctx context.Context) sampler.Readings {
	r := sampler.Readings{Errs: make(map[metrics.Kind]error)}

	// Percent(0) measures since the previous call, like a non-blocking cpu_percent
	if cpu, err := p.proc.PercentWithContext(ctx, 0); err != nil {
		r.Errs[metrics.KindCPU] = fmt.Errorf("cpu percent: %w", err)
	} else {
		r.CPU = sampler.Float(cpu)
	}

	if info, err := p.proc.MemoryInfoWithContext(ctx); err != nil {
		r.Errs[metrics.KindMemory] = fmt.Errorf("memory info: %w", err)
	} else {
		r.MemoryMB = sampler.Float(float64(info.RSS) / 1024 / 1024)
		if p.totalMemory > 0 {
			r.MemoryPercent = sampler.Float(float64(info.RSS) / float64(p.totalMemory) * 100)
		}
	}

	if p.bot != nil {
		if d, ok := p.bot.Latency(); ok {
			r.Latency = sampler.Float(float64(d.Microseconds()) / 1000)
		}
		if n, ok := p.bot.GuildCount(); ok {
			r.Guilds = sampler.Float(float64(n))
		}
	}

	if p.errors != nil {
		r.Errors = sampler.Float(float64(p.errors.Count()))
	}
	return r
}
