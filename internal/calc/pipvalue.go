package calc

import (
	"fmt"
	"math"

	"github.com/mwalcott/triarb/internal/models"
)

const contractUnits = 100_000

// RateProvider supplies current prices for pip value conversion. Both the
// live broker gateway and test fixtures satisfy it.
type RateProvider interface {
	GetCurrentPrice(symbol string) (float64, error)
}

// PipValue returns the monetary value (account currency USD) of one pip for
// the given pair at the given lot size. Four cases by currency class:
// USD-quoted, JPY-quoted, USD-based, and crosses converted through the
// quote currency's USD rate.
func PipValue(pair models.Pair, lots float64, rates RateProvider) (float64, error) {
	if !pair.Valid() {
		return 0, fmt.Errorf("%w: %q", models.ErrTriangleInvalid, pair)
	}
	contractSize := contractUnits * lots
	raw := contractSize * pair.PipSize()

	base, quote := pair.Base(), pair.Quote()
	switch {
	case quote == "USD":
		return raw, nil
	case quote == "JPY":
		usdjpy, err := rates.GetCurrentPrice("USDJPY")
		if err != nil {
			return 0, fmt.Errorf("pip value for %s: %w", pair, err)
		}
		if !ValidPrice(usdjpy) {
			return 0, fmt.Errorf("pip value for %s: implausible USDJPY rate %f", pair, usdjpy)
		}
		return raw / usdjpy, nil
	case base == "USD":
		rate, err := rates.GetCurrentPrice(string(pair))
		if err != nil {
			return 0, fmt.Errorf("pip value for %s: %w", pair, err)
		}
		if !ValidPrice(rate) {
			return 0, fmt.Errorf("pip value for %s: implausible rate %f", pair, rate)
		}
		return raw / rate, nil
	default:
		// Cross pair: convert the quote currency to USD.
		usdRate, err := quoteToUSD(quote, rates)
		if err != nil {
			return 0, fmt.Errorf("pip value for %s: %w", pair, err)
		}
		return raw * usdRate, nil
	}
}

// quoteToUSD returns how many USD one unit of ccy is worth, trying the
// ccy/USD direct quote first and the USD/ccy inverse second.
func quoteToUSD(ccy string, rates RateProvider) (float64, error) {
	if direct, err := rates.GetCurrentPrice(ccy + "USD"); err == nil && ValidPrice(direct) {
		return direct, nil
	}
	inverse, err := rates.GetCurrentPrice("USD" + ccy)
	if err != nil {
		return 0, fmt.Errorf("no USD conversion for %s: %w", ccy, err)
	}
	if !ValidPrice(inverse) {
		return 0, fmt.Errorf("no USD conversion for %s: implausible rate %f", ccy, inverse)
	}
	return 1 / inverse, nil
}

// LotConstraints bound a computed lot to what the broker accepts.
type LotConstraints struct {
	Step float64
	Min  float64
	Max  float64
}

// DefaultLotConstraints matches typical retail FX symbols.
var DefaultLotConstraints = LotConstraints{Step: 0.01, Min: 0.01, Max: 1.0}

// Round snaps lots to the step and clamps to [Min, Max].
func (c LotConstraints) Round(lots float64) float64 {
	if c.Step > 0 {
		lots = math.Round(lots/c.Step) * c.Step
	}
	if lots < c.Min {
		lots = c.Min
	}
	if lots > c.Max {
		lots = c.Max
	}
	return lots
}

// UniformTriangleLots sizes the three legs of a triangle so each leg's pip
// value equals the target, scaled by balance relative to baseBalance. Legs
// are rounded independently to the broker's constraints.
func UniformTriangleLots(tri models.Triangle, balance, baseBalance, targetPipValue float64, rates RateProvider, c LotConstraints) ([3]float64, error) {
	var lots [3]float64
	if baseBalance <= 0 {
		return lots, fmt.Errorf("base balance must be positive, got %f", baseBalance)
	}
	scaled := targetPipValue * (balance / baseBalance)

	for i, pair := range tri.Pairs() {
		perLot, err := PipValue(pair, 1.0, rates)
		if err != nil {
			return lots, err
		}
		if perLot <= 0 {
			return lots, fmt.Errorf("non-positive pip value for %s", pair)
		}
		lots[i] = c.Round(scaled / perLot)
	}
	return lots, nil
}

// RiskBasedLots sizes one leg from a risk budget: the risk amount is split
// equally across the three legs and divided by the stop distance cost at
// 0.01 lot granularity.
func RiskBasedLots(pair models.Pair, balance, riskPct, stopLossPips float64, rates RateProvider, c LotConstraints) (float64, error) {
	if riskPct <= 0 || stopLossPips <= 0 {
		return 0, fmt.Errorf("risk percent and stop distance must be positive")
	}
	riskAmount := balance * riskPct / 100
	riskPerLeg := riskAmount / 3

	pipPerMicro, err := PipValue(pair, 0.01, rates)
	if err != nil {
		return 0, err
	}
	if pipPerMicro <= 0 {
		return 0, fmt.Errorf("non-positive pip value for %s", pair)
	}
	lots := riskPerLeg / (stopLossPips * pipPerMicro) * 0.01
	return c.Round(lots), nil
}
