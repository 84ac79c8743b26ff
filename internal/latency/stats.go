package latency

import (
	"math"
	"sort"
)

// Summary aggregates a set of latency samples in milliseconds.
type Summary struct {
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

// Summarize recomputes the summary over the full sample list, in arrival
// order. The input is not modified.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Samples: len(sorted),
		LastMS:  round2(values[len(values)-1]),
		MinMS:   round2(sorted[0]),
		MaxMS:   round2(sorted[len(sorted)-1]),
		AvgMS:   round2(sum / float64(len(sorted))),
		P50MS:   round2(Quantile(sorted, 0.50)),
		P95MS:   round2(Quantile(sorted, 0.95)),
	}
}

// Quantile interpolates linearly between the closest ranks of an already
// sorted slice.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
