package crawler

import "math"

// Confidence is the Laplace-smoothed success rate (s+1)/(s+f+2), the mean of a
// Beta(1,1) prior updated with s successes and f failures. It is always in
// (0,1) and equals 0.5 for an untried pattern.
func Confidence(successes, failures int64) float64 {
	if successes < 0 {
		successes = 0
	}
	if failures < 0 {
		failures = 0
	}
	return float64(successes+1) / float64(successes+failures+2)
}

// EffectiveConfidence applies an admin override when one is set.
func EffectiveConfidence(successes, failures int64, override *float64) float64 {
	if override != nil {
		return ClampUnit(*override)
	}
	return Confidence(successes, failures)
}

// ClampUnit bounds v to [0,1].
func ClampUnit(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
