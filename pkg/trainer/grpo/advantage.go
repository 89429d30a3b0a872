package grpo

import "math"

const advantageEpsilon = 1e-8

// GroupAdvantages converts a group of rewards into group-relative advantages:
// (r - mean) / (std + eps). A zero-variance group gets all-zero advantages so
// uniformly-scored samples contribute no gradient.
func GroupAdvantages(rewards []float64) []float64 {
	n := len(rewards)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	mean := 0.0
	for _, r := range rewards {
		mean += r
	}
	mean /= float64(n)

	variance := 0.0
	for _, r := range rewards {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n)
	std := math.Sqrt(variance)
	if std == 0 {
		return out
	}

	for i, r := range rewards {
		out[i] = (r - mean) / (std + advantageEpsilon)
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range vals {
		total += v
	}
	return total / float64(len(vals))
}

func stddev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := mean(vals)
	variance := 0.0
	for _, v := range vals {
		d := v - m
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(vals)))
}
