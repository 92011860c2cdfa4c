// Package calc holds the pure functions behind the trading engine: cross
// rates, pip values, lot sizing, correlations and technical indicators.
package calc

import "math"

// Price sanity bounds. FX prices outside this range are artifacts of a
// stale feed or a broken symbol, never real quotes.
const (
	minValidPrice = 0.0001
	maxValidPrice = 1000.0
)

// ValidPrice reports whether p is a plausible FX price.
func ValidPrice(p float64) bool {
	return p >= minValidPrice && p <= maxValidPrice && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// CrossRate computes the triangle cross rate p1*p2/p3. Returns 0 when any
// input is implausible.
func CrossRate(p1, p2, p3 float64) float64 {
	if !ValidPrice(p1) || !ValidPrice(p2) || !ValidPrice(p3) {
		return 0
	}
	return p1 * p2 / p3
}

// ArbitrageNetPct returns the triangle's profit potential in percent, net of
// spread cost, commission and slippage. A non-positive result, or one at or
// below minThresholdPct, means no opportunity. spreads are per-leg spreads in
// price units (same units as p3); pass nil to skip the spread deduction.
func ArbitrageNetPct(p1, p2, p3 float64, spreads []float64, commissionRate, slippagePct, minThresholdPct float64) float64 {
	cross := CrossRate(p1, p2, p3)
	if cross == 0 {
		return 0
	}
	gross := math.Abs(cross-1) * 100

	var spreadCost float64
	for _, s := range spreads {
		spreadCost += s
	}
	spreadCost = spreadCost / p3 * 100

	commissionCost := commissionRate * 3 * 100
	net := gross - spreadCost - commissionCost - slippagePct
	if net <= 0 || net <= minThresholdPct {
		return 0
	}
	return net
}
