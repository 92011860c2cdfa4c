// Package regime classifies current market conditions so the detector can
// switch threshold presets.
package regime

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/calc"
	"github.com/mwalcott/triarb/internal/models"
)

const (
	barCount     = 100
	atrPeriod    = 14
	adxPeriod    = 14
	atrSlowScale = 4 // slow ATR window = atrPeriod * atrSlowScale

	adxTrending    = 25.0
	adxQuiet       = 20.0
	atrRatioHot    = 1.5
	atrRatioMuted  = 0.8
)

// Classifier derives the market regime from a reference symbol's H1 bars.
// EURUSD is the usual reference: it is the most liquid pair and its
// volatility profile tracks the broad FX session.
type Classifier struct {
	mu        sync.RWMutex
	broker    broker.Broker
	reference string
	current   models.Regime
	logger    *log.Logger
}

// NewClassifier creates a Classifier over the given reference symbol.
func NewClassifier(b broker.Broker, referenceSymbol string, logger *log.Logger) *Classifier {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Classifier{
		broker:    b,
		reference: referenceSymbol,
		current:   models.RegimeNormal,
		logger:    logger,
	}
}

// Current returns the last classified regime.
func (c *Classifier) Current() models.Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh reclassifies from fresh H1 history and returns the new regime.
// On insufficient data the previous classification is kept.
func (c *Classifier) Refresh() (models.Regime, error) {
	bars, err := c.broker.GetHistory(c.reference, broker.TimeframeH1, barCount)
	if err != nil {
		return c.Current(), fmt.Errorf("regime refresh: %w", err)
	}
	if len(bars) < atrPeriod*atrSlowScale+1 {
		return c.Current(), fmt.Errorf("regime refresh: only %d bars of %s history", len(bars), c.reference)
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	close := make([]float64, len(bars))
	for i, b := range bars {
		high[i], low[i], close[i] = b.High, b.Low, b.Close
	}

	regime := classify(high, low, close)

	c.mu.Lock()
	if regime != c.current {
		c.logger.Printf("Market regime changed: %s -> %s", c.current, regime)
	}
	c.current = regime
	c.mu.Unlock()
	return regime, nil
}

// classify applies the ATR-ratio and ADX rules: a fast ATR well above its
// slow baseline means volatile, strong directional movement means trending,
// weak ADX with compressed ATR means ranging.
func classify(high, low, close []float64) models.Regime {
	atrFast := calc.ATR(high, low, close, atrPeriod)
	atrSlow := calc.ATR(high, low, close, atrPeriod*atrSlowScale)
	adx := calc.ADX(high, low, close, adxPeriod)

	atrRatio := 1.0
	if atrSlow > 0 {
		atrRatio = atrFast / atrSlow
	}

	switch {
	case atrRatio > atrRatioHot:
		return models.RegimeVolatile
	case adx > adxTrending:
		return models.RegimeTrending
	case adx < adxQuiet && atrRatio < atrRatioMuted:
		return models.RegimeRanging
	default:
		return models.RegimeNormal
	}
}
