package loghub

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/nicktill/botpulse/pkg/metrics"
)

// GuildKey is the zap field that tags a line with the guild it concerns
const GuildKey = "guild"

// LevelOf maps a zap level onto a log line level
func LevelOf(l zapcore.Level) metrics.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return metrics.LevelDebug
	case l == zapcore.InfoLevel:
		return metrics.LevelInfo
	case l == zapcore.WarnLevel:
		return metrics.LevelWarning
	case l == zapcore.ErrorLevel:
		return metrics.LevelError
	default:
		return metrics.LevelCritical
	}
}

// Core is a zapcore.Core that publishes every enabled entry to a Hub
type Core struct {
	zapcore.LevelEnabler
	hub    *Hub
	fields []zapcore.Field
}

var _ zapcore.Core = (*Core)(nil)

// NewCore returns a core publishing entries at or above enab to hub
func NewCore(hub *Hub, enab zapcore.LevelEnabler) *Core {
	return &Core{LevelEnabler: enab, hub: hub}
}

// With implements zapcore.Core
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := &Core{LevelEnabler: c.LevelEnabler, hub: c.hub}
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

// Check implements zapcore.Core
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	guild := metrics.CoreGuild
	if g, ok := enc.Fields[GuildKey]; ok {
		guild = fmt.Sprint(g)
		delete(enc.Fields, GuildKey)
	}

	c.hub.Publish(metrics.LogLine{
		Timestamp: ent.Time,
		Level:     LevelOf(ent.Level),
		Logger:    ent.LoggerName,
		Guild:     guild,
		Message:   withFields(ent.Message, enc.Fields),
	})
	return nil
}

// Sync implements zapcore.Core
func (c *Core) Sync() error {
	return nil
}

// withFields appends structured fields as sorted key=value pairs
func withFields(msg string, fields map[string]interface{}) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
