package calc

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// minAlignedBars is the minimum overlapping series length for a meaningful
// correlation estimate.
const minAlignedBars = 10

// decayLambda controls how fast older bars lose weight in the recency-decayed
// correlation. At 0.05, the half-life is roughly 14 bars.
const decayLambda = 0.05

// Returns converts a close series into simple period returns. Bars with a
// non-positive previous close are skipped.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	return returns
}

// WeightedCorrelation computes the Pearson correlation of two aligned close
// series with exponentially decaying weights favoring recent bars. The
// series are truncated to their common suffix. Returns 0 when fewer than 10
// aligned returns remain or either series has no variance.
func WeightedCorrelation(closesA, closesB []float64) float64 {
	retA := Returns(closesA)
	retB := Returns(closesB)

	n := len(retA)
	if len(retB) < n {
		n = len(retB)
	}
	if n < minAlignedBars {
		return 0
	}
	// Align on the most recent n returns.
	retA = retA[len(retA)-n:]
	retB = retB[len(retB)-n:]

	weights := make([]float64, n)
	var sum float64
	for i := range weights {
		weights[i] = math.Exp(-decayLambda * float64(n-1-i))
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}

	if stat.Variance(retA, weights) == 0 || stat.Variance(retB, weights) == 0 {
		return 0
	}
	rho := stat.Correlation(retA, retB, weights)
	if math.IsNaN(rho) {
		return 0
	}
	// Numerical noise can push the estimate marginally out of range.
	return math.Max(-1, math.Min(1, rho))
}
