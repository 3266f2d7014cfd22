// Package metrics provides probe metrics and latency summaries.
package metrics

import (
	"slices"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// Summarize computes latency statistics over landing latencies in slots.
// Returns nil when there are no samples.
func Summarize(latencies []uint64) *types.LatencyStats {
	if len(latencies) == 0 {
		return nil
	}

	sorted := make([]float64, len(latencies))
	var sum float64
	for i, l := range latencies {
		sorted[i] = float64(l)
		sum += float64(l)
	}
	slices.Sort(sorted)

	return &types.LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile calculates the p-th percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	// Linear interpolation
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
