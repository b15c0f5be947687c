package storage

import "github.com/nicktill/botpulse/pkg/metrics"

// MergePoints merges two time-ordered point slices into one time-ordered slice.
// On equal timestamps points from a come first.
func MergePoints(a, b []metrics.Point) []metrics.Point {
	out := make([]metrics.Point, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Time.Before(a[i].Time) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
