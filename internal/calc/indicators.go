package calc

import (
	"github.com/markcheno/go-talib"
)

// ATR returns the latest average true range over the given period, or 0
// when there is not enough history.
func ATR(high, low, close []float64, period int) float64 {
	if len(close) <= period || len(high) != len(close) || len(low) != len(close) {
		return 0
	}
	out := talib.Atr(high, low, close, period)
	return last(out)
}

// ADX returns the latest average directional index over the given period,
// or 0 when there is not enough history. Values above ~25 indicate a
// trending market.
func ADX(high, low, close []float64, period int) float64 {
	if len(close) <= 2*period || len(high) != len(close) || len(low) != len(close) {
		return 0
	}
	out := talib.Adx(high, low, close, period)
	return last(out)
}

// RSI returns the latest relative strength index over the given period, or
// 50 (neutral) when there is not enough history.
func RSI(close []float64, period int) float64 {
	if len(close) <= period {
		return 50
	}
	out := talib.Rsi(close, period)
	v := last(out)
	if v == 0 {
		return 50
	}
	return v
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] != 0 {
			return series[i]
		}
	}
	return 0
}
