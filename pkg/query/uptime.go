package query

import (
	"fmt"
	"time"
)

// Uptime is the process uptime broken into whole units
type Uptime struct {
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
	Days      int64  `json:"days"`
	Hours     int64  `json:"hours"`
	Minutes   int64  `json:"minutes"`
}

// SplitUptime truncates d to whole seconds and splits it into days, hours, minutes and seconds
func SplitUptime(d time.Duration) Uptime {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	return Uptime{
		Seconds:   total,
		Formatted: fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds),
		Days:      days,
		Hours:     hours,
		Minutes:   minutes,
	}
}

// FormatUptime renders d as "1d 2h 3m 4s"
func FormatUptime(d time.Duration) string {
	return SplitUptime(d).Formatted
}
