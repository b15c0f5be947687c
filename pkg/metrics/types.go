package metrics

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies which health reading a sample carries
type Kind string

const (
	KindCPU     Kind = "cpu"
	KindMemory  Kind = "memory"
	KindLatency Kind = "latency"
	KindGuilds  Kind = "guilds"
	KindErrors  Kind = "errors"
)

var allKinds = []Kind{KindCPU, KindMemory, KindLatency, KindGuilds, KindErrors}

// Kinds returns every metric kind in a fixed order
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts a string into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown metric kind %q", s)
	}
	return k, nil
}

// Sample is one timestamped measurement of a single metric kind.
// Samples are never mutated after they are written.
type Sample struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Valid reports whether the sample is well-formed
func (s Sample) Valid() bool {
	if !s.Kind.Valid() || s.Timestamp.IsZero() {
		return false
	}
	return !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0)
}

// Bucket replaces a contiguous run of raw samples of one kind with their average.
type Bucket struct {
	Kind  Kind          `json:"kind"`
	Start time.Time     `json:"start"`
	Width time.Duration `json:"width"`
	Avg   float64       `json:"avg"`
	Count uint64        `json:"count"`
	Min   float64       `json:"min"`
	Max   float64       `json:"max"`
}

// End returns the exclusive end of the bucket's time span
func (b Bucket) End() time.Time {
	return b.Start.Add(b.Width)
}

// Point is a single chart point
type Point struct {
	Time  time.Time
	Value float64
}
