package multibuilder

import "sort"

const (
	// LatencySmoothingFactor is the weight of the newest sample in the latency moving average.
	LatencySmoothingFactor = 0.2

	ReputationSuccessWeight   = 0.5
	ReputationInclusionWeight = 0.3
	ReputationLatencyWeight   = 0.2

	// latencies at or below LatencyFloorMs score best, at or above LatencyFloorMs+LatencySpanMs worst
	LatencyFloorMs = 100.0
	LatencySpanMs  = 900.0

	// OverlapCorrection is subtracted for every accepting builder beyond the first.
	// It is a tuning constant without empirical backing.
	OverlapCorrection = 0.10
	// MaxInclusionProbability caps the estimate, it never claims certain inclusion.
	MaxInclusionProbability = 0.95
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Ratio returns num/den, or 0 when den is 0.
func Ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// UpdateLatencyEMA folds sampleMs into the moving average prevMs.
func UpdateLatencyEMA(prevMs, sampleMs float64) float64 {
	return LatencySmoothingFactor*sampleMs + (1-LatencySmoothingFactor)*prevMs
}

func NormalizeLatency(avgLatencyMs float64) float64 {
	return clamp((avgLatencyMs-LatencyFloorMs)/LatencySpanMs, 0, 1)
}

// ReputationScore = 0.5*successRate + 0.3*inclusionRate + 0.2*(1 - normalizedLatency), within [0, 1].
func ReputationScore(successRate, inclusionRate, avgLatencyMs float64) float64 {
	score := ReputationSuccessWeight*successRate +
		ReputationInclusionWeight*inclusionRate +
		ReputationLatencyWeight*(1-NormalizeLatency(avgLatencyMs))
	return clamp(score, 0, 1)
}

// EstimateInclusionProbability combines the market shares of the builders that accepted a bundle.
// Shares are summed and every builder beyond the largest one is reduced by OverlapCorrection, but
// never by more than its own share, so an extra acceptance never lowers the estimate.
func EstimateInclusionProbability(shares []float64) float64 {
	if len(shares) == 0 {
		return 0
	}
	sorted := append([]float64(nil), shares...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	total := clamp(sorted[0], 0, 1)
	for _, share := range sorted[1:] {
		share = clamp(share, 0, 1)
		correction := OverlapCorrection
		if share < correction {
			correction = share
		}
		total += share - correction
	}
	return clamp(total, 0, MaxInclusionProbability)
}
