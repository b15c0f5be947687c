package compaction

import (
	"time"

	"github.com/nicktill/botpulse/pkg/metrics"
)

// Aggregate accumulates raw samples of one kind inside one time bucket
type Aggregate struct {
	Kind  metrics.Kind
	Start time.Time
	Width time.Duration

	Sum   float64
	Count uint64
	Min   float64
	Max   float64
}

// Add folds one raw value into the aggregate
func (a *Aggregate) Add(v float64) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Sum += v
	a.Count++
}

// Merge folds another aggregate of the same bucket into this one.
// Works because we keep sum and count, not just the average.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil || other.Count == 0 {
		return
	}
	if a.Count == 0 || other.Min < a.Min {
		a.Min = other.Min
	}
	if a.Count == 0 || other.Max > a.Max {
		a.Max = other.Max
	}
	a.Sum += other.Sum
	a.Count += other.Count
}

// Average calculates the mean value
func (a *Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// ToBucket converts the aggregate into its stored form
func (a *Aggregate) ToBucket() metrics.Bucket {
	return metrics.Bucket{
		Kind:  a.Kind,
		Start: a.Start,
		Width: a.Width,
		Avg:   a.Average(),
		Count: a.Count,
		Min:   a.Min,
		Max:   a.Max,
	}
}

// FromBucket reconstructs an Aggregate from a stored bucket so it can be re-merged
func FromBucket(b metrics.Bucket) *Aggregate {
	return &Aggregate{
		Kind:  b.Kind,
		Start: b.Start,
		Width: b.Width,
		Sum:   b.Avg * float64(b.Count),
		Count: b.Count,
		Min:   b.Min,
		Max:   b.Max,
	}
}
