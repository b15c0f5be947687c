package metrics

import (
	"fmt"
	"time"
)

// Level is the severity of a LogLine
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// LogLine is one application log line passed through the log hub. It is never persisted.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Logger    string    `json:"logger,omitempty"`
	Guild     string    `json:"guild,omitempty"`
	Message   string    `json:"message"`
}

// CoreGuild tags lines that do not belong to a specific guild
const CoreGuild = "Core"

const logTimeLayout = "2006-01-02 15:04:05"

// String renders the line as [time][logger][LEVEL][guild]: message
func (l LogLine) String() string {
	logger := l.Logger
	if logger == "" {
		logger = "core"
	}
	guild := l.Guild
	if guild == "" {
		guild = CoreGuild
	}
	return fmt.Sprintf("[%s][%s][%s][%s]: %s", l.Timestamp.Format(logTimeLayout), logger, l.Level, guild, l.Message)
}
