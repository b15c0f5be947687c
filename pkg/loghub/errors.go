package loghub

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultErrorWindow is how far back logged errors are counted
const DefaultErrorWindow = 48 * time.Hour

// ErrorCounter is a zapcore.Core that counts ERROR-and-above entries in a trailing window.
// It backs the errors metric. Counts are kept per second, so memory is bounded by the window.
type ErrorCounter struct {
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	seconds []secondCount
	total   int
}

type secondCount struct {
	unix int64
	n    int
}

var _ zapcore.Core = (*ErrorCounter)(nil)

// NewErrorCounter creates a counter over window (0 = 48h)
func NewErrorCounter(window time.Duration) *ErrorCounter {
	if window <= 0 {
		window = DefaultErrorWindow
	}
	return &ErrorCounter{window: window, clock: time.Now}
}

// Count returns the number of errors logged within the window
func (c *ErrorCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.clock())
	return c.total
}

// Record counts one error at ts
func (c *ErrorCounter) Record(ts time.Time) {
	sec := ts.Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries normally arrive in order; keep the slice sorted for late ones
	i := len(c.seconds)
	for i > 0 && c.seconds[i-1].unix > sec {
		i--
	}
	switch {
	case i > 0 && c.seconds[i-1].unix == sec:
		c.seconds[i-1].n++
	default:
		c.seconds = append(c.seconds, secondCount{})
		copy(c.seconds[i+1:], c.seconds[i:])
		c.seconds[i] = secondCount{unix: sec, n: 1}
	}
	c.total++
	c.expireLocked(c.clock())
}

func (c *ErrorCounter) expireLocked(now time.Time) {
	cutoff := now.Add(-c.window).Unix()
	n := 0
	for n < len(c.seconds) && c.seconds[n].unix < cutoff {
		c.total -= c.seconds[n].n
		n++
	}
	if n > 0 {
		c.seconds = append(c.seconds[:0], c.seconds[n:]...)
	}
}

// Enabled implements zapcore.LevelEnabler
func (c *ErrorCounter) Enabled(l zapcore.Level) bool {
	return l >= zapcore.ErrorLevel
}

// With implements zapcore.Core; fields do not affect counting
func (c *ErrorCounter) With([]zapcore.Field) zapcore.Core {
	return c
}

// Check implements zapcore.Core
func (c *ErrorCounter) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core
func (c *ErrorCounter) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	ts := ent.Time
	if ts.IsZero() {
		ts = c.clock()
	}
	c.Record(ts)
	return nil
}

// Sync implements zapcore.Core
func (c *ErrorCounter) Sync() error {
	return nil
}
