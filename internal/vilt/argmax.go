package vilt

import "math"

// Argmax returns the index of the largest score, the first one on ties.
// NaN scores never win. It returns -1 when no score is usable.
func Argmax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}
