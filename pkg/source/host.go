package source

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host describes the machine the bot runs on
type Host struct {
	CPUs              int     `json:"cpus"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// ReadHost samples host-wide CPU and memory usage
func ReadHost(ctx context.Context) (Host, error) {
	var h Host

	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return h, fmt.Errorf("cpu counts: %w", err)
	}
	h.CPUs = counts

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return h, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		h.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, fmt.Errorf("virtual memory: %w", err)
	}
	h.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
	h.MemoryUsedPercent = vm.UsedPercent
	return h, nil
}
