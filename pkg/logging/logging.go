// Package logging builds the process logger.
//
// Every entry goes to the console (or JSON) output, to the log hub that
// feeds the live stream, and to the error counter behind the errors metric.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nicktill/botpulse/pkg/loghub"
)

// Options configures New. Zero value logs INFO and above to stderr.
type Options struct {
	Level  string // debug, info, warn, error; empty means info
	JSON   bool
	Output zapcore.WriteSyncer

	// Hub receives every enabled entry when set
	Hub *loghub.Hub
	// Errors counts ERROR-and-above entries when set
	Errors *loghub.ErrorCounter
}

// ParseLevel converts a LOG_LEVEL value to a zap level
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "critical":
		return zapcore.DPanicLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds a logger that tees to the configured outputs
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = zapcore.Lock(os.Stderr)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	enab := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{zapcore.NewCore(enc, out, enab)}
	if opts.Hub != nil {
		cores = append(cores, loghub.NewCore(opts.Hub, enab))
	}
	if opts.Errors != nil {
		cores = append(cores, opts.Errors)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
