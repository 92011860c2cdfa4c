package calc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrossRate(t *testing.T) {
	// EURUSD * USDJPY / EURJPY at consistent prices gives exactly 1.
	cross := CrossRate(1.0850, 150.00, 162.75)
	assert.InDelta(t, 1.0, cross, 1e-9)

	// A mispriced third leg moves the cross rate off 1.
	cross = CrossRate(1.0850, 150.00, 162.50)
	assert.Greater(t, cross, 1.0)
}

func TestCrossRateRejectsImplausiblePrices(t *testing.T) {
	assert.Zero(t, CrossRate(0, 150.0, 162.75))
	assert.Zero(t, CrossRate(1.0850, -1, 162.75))
	assert.Zero(t, CrossRate(1.0850, 150.0, 1e6))
	assert.Zero(t, CrossRate(math.NaN(), 150.0, 162.75))
	assert.Zero(t, CrossRate(1.0850, math.Inf(1), 162.75))
}

func TestArbitrageNetPct(t *testing.T) {
	// Gross edge of ~0.154%: 1.0850*150/162.50 = 1.001538...
	net := ArbitrageNetPct(1.0850, 150.00, 162.50, nil, 0, 0, 0.008)
	assert.InDelta(t, 0.1538, net, 0.001)

	// Costs eat the edge below the threshold.
	net = ArbitrageNetPct(1.0850, 150.00, 162.50, nil, 0.0005, 0.01, 0.008)
	assert.Zero(t, net)
}

func TestArbitrageNetPctDeductsSpreads(t *testing.T) {
	gross := ArbitrageNetPct(1.0850, 150.00, 162.50, nil, 0, 0, 0)
	withSpreads := ArbitrageNetPct(1.0850, 150.00, 162.50, []float64{0.02, 0.03, 0.02}, 0, 0, 0)
	assert.Less(t, withSpreads, gross)
	assert.InDelta(t, gross-0.07/162.50*100, withSpreads, 1e-9)
}

func TestArbitrageNetPctExactParityIsZero(t *testing.T) {
	// Cross rate exactly 1 must never look profitable.
	assert.Zero(t, ArbitrageNetPct(1.0850, 150.00, 162.75, nil, 0, 0, 0))
}

func TestArbitrageNetPctBelowThresholdIsZero(t *testing.T) {
	assert.Zero(t, ArbitrageNetPct(1.0850, 150.00, 162.50, nil, 0, 0, 0.5))
}

func TestArbitrageNetPctAtThresholdIsZero(t *testing.T) {
	// Binary-exact inputs: cross 1.5, net exactly 50%. An edge equal to
	// the threshold is not an opportunity; it must be strictly above.
	assert.Zero(t, ArbitrageNetPct(1.0, 1.5, 1.0, nil, 0, 0, 50.0))
	assert.Equal(t, 50.0, ArbitrageNetPct(1.0, 1.5, 1.0, nil, 0, 0, 49.0))
}
