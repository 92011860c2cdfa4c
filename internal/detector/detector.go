// Package detector finds and executes triangular arbitrage opportunities.
package detector

import (
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mwalcott/triarb/internal/advisor"
	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/calc"
	"github.com/mwalcott/triarb/internal/config"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/symbols"
	"github.com/mwalcott/triarb/internal/tracker"
)

const (
	priceSamples      = 3
	sampleSpacing     = 100 * time.Millisecond
	maxSampleVariance = 0.0001

	crossRateFloor = 0.5
	crossRateCeil  = 2.0

	validationChecks = 5
	// Volatile and trending regimes demand extra edge over the threshold.
	hotRegimeMargin = 1.5
)

// regimePreset holds the per-regime detection threshold. Thresholds are
// configured in pips; one pip is about 0.01% at parity, so thresholdPct
// converts at that rate.
type regimePreset struct {
	thresholdPips float64
	timeout       time.Duration
}

var regimePresets = map[models.Regime]regimePreset{
	models.RegimeVolatile: {thresholdPips: 1.2, timeout: 500 * time.Millisecond},
	models.RegimeTrending: {thresholdPips: 1.0, timeout: 750 * time.Millisecond},
	models.RegimeRanging:  {thresholdPips: 0.8, timeout: 1000 * time.Millisecond},
	models.RegimeNormal:   {thresholdPips: 0.8, timeout: 1000 * time.Millisecond},
}

func (p regimePreset) thresholdPct() float64 { return p.thresholdPips * 0.01 }

// fallbackTriangles covers the common market when enumeration finds nothing.
var fallbackTriangles = [][3]string{
	{"EURUSD", "USDJPY", "EURJPY"},
	{"GBPUSD", "USDJPY", "GBPJPY"},
	{"AUDUSD", "USDJPY", "AUDJPY"},
	{"NZDUSD", "USDJPY", "NZDJPY"},
	{"EURGBP", "GBPUSD", "EURUSD"},
	{"EURAUD", "AUDUSD", "EURUSD"},
	{"USDCHF", "CHFJPY", "USDJPY"},
	{"GBPAUD", "AUDUSD", "GBPUSD"},
}

// Detector evaluates triangles against live quotes and opens three-leg
// groups. One instance runs per engine; the coordinator owns its cadence.
type Detector struct {
	broker  broker.Broker
	closer  PositionCloser
	mapper  *symbols.Mapper
	tracker *tracker.Tracker
	advisor advisor.Advisor
	logger  *log.Logger

	detection config.DetectionConfig
	execution config.ExecutionConfig
	closing   config.ClosingConfig
	lotCfg    config.LotCalculationConfig
	magicBase int64

	// sampleSpacing is shortened and now is pinned in tests.
	sampleSpacing time.Duration
	now           func() time.Time

	state *groupState
}

// New creates a Detector. statePath backs group and rate-limit state.
func New(b broker.Broker, mapper *symbols.Mapper, tr *tracker.Tracker, adv advisor.Advisor, cfg *config.Config, statePath string, logger *log.Logger) (*Detector, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	state, err := loadGroupState(statePath, logger)
	if err != nil {
		return nil, err
	}
	return &Detector{
		broker:        b,
		mapper:        mapper,
		tracker:       tr,
		advisor:       adv,
		logger:        logger,
		detection:     cfg.Arbitrage.Detection,
		execution:     cfg.Arbitrage.Execution,
		closing:       cfg.Arbitrage.Closing,
		lotCfg:        cfg.Sizing.LotCalculation,
		magicBase:     cfg.Broker.MagicBase,
		sampleSpacing: sampleSpacing,
		now:           time.Now,
		state:         state,
	}, nil
}

// SetRegime updates the detection preset. Pushed by the coordinator.
func (d *Detector) SetRegime(r models.Regime) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.regime != r {
		d.logger.Printf("Detector regime preset: %s (threshold %.1f pips)", r, regimePresets[r].thresholdPips)
	}
	d.state.regime = r
}

// SetSizing updates account-derived sizing. Pushed by the coordinator.
func (d *Detector) SetSizing(p models.SizingParams) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	d.state.sizing = p
}

// GenerateTriangles enumerates every valid triangle over the mapped pairs,
// deduplicated and sorted. Falls back to the built-in list when the broker's
// symbol set yields nothing.
func (d *Detector) GenerateTriangles() []models.Triangle {
	pairs := d.mapper.MappedPairs()
	triangles := enumerateTriangles(pairs)
	if len(triangles) == 0 {
		triangles = fallbackFromAvailable(pairs)
		d.logger.Printf("Triangle enumeration empty, using %d fallback triangles", len(triangles))
	}
	d.state.mu.Lock()
	d.state.triangles = triangles
	d.state.mu.Unlock()
	return triangles
}

func enumerateTriangles(pairs []string) []models.Triangle {
	seen := make(map[string]models.Triangle)
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			for k := j + 1; k < len(pairs); k++ {
				if tri, ok := arrangeTriangle(pairs[i], pairs[j], pairs[k]); ok {
					seen[tri.Key()] = tri
				}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]models.Triangle, 0, len(keys))
	for _, key := range keys {
		out = append(out, seen[key])
	}
	return out
}

// arrangeTriangle finds the permutation of three pairs satisfying the
// closure rule, if one exists.
func arrangeTriangle(a, b, c string) (models.Triangle, bool) {
	perms := [][3]string{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, p := range perms {
		if tri, err := models.NewTriangle(models.Pair(p[0]), models.Pair(p[1]), models.Pair(p[2])); err == nil {
			return tri, true
		}
	}
	return models.Triangle{}, false
}

func fallbackFromAvailable(pairs []string) []models.Triangle {
	available := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		available[p] = true
	}
	var out []models.Triangle
	for _, f := range fallbackTriangles {
		if !available[f[0]] || !available[f[1]] || !available[f[2]] {
			continue
		}
		if tri, err := models.NewTriangle(models.Pair(f[0]), models.Pair(f[1]), models.Pair(f[2])); err == nil {
			out = append(out, tri)
		}
	}
	return out
}

// prioritized applies the regime's triangle selection policy.
func (d *Detector) prioritized() []models.Triangle {
	d.state.mu.Lock()
	regime := d.state.regime
	triangles := d.state.triangles
	d.state.mu.Unlock()

	switch regime {
	case models.RegimeVolatile:
		var majors []models.Triangle
		for _, tri := range triangles {
			if tri.MajorsOnly() {
				majors = append(majors, tri)
				if len(majors) == 3 {
					break
				}
			}
		}
		return majors
	case models.RegimeTrending:
		if len(triangles) > 6 {
			return triangles[:6]
		}
		return triangles
	default:
		return triangles
	}
}

// DetectOnce scans prioritized triangles and returns the first opportunity
// passing all validation, or nil when the market offers nothing.
func (d *Detector) DetectOnce() *models.Opportunity {
	for _, tri := range d.prioritized() {
		op, reason := d.evaluate(tri)
		if op != nil {
			d.logger.Printf("Opportunity on %s: cross=%.6f profit=%.4f%% confidence=%.2f",
				tri, op.CrossRate, op.ProfitPct, op.Confidence)
			return op
		}
		if reason != "" {
			d.logger.Printf("Rejected %s: %s", tri, reason)
		}
	}
	return nil
}

// sampledLeg is the validated price picture for one triangle leg.
type sampledLeg struct {
	pair       models.Pair
	mid        float64
	spreadPips float64
}

// evaluate runs the full opportunity pipeline for one triangle. A non-empty
// reason explains rejection; quote failures reject silently.
func (d *Detector) evaluate(tri models.Triangle) (*models.Opportunity, string) {
	legs, ok := d.samplePrices(tri)
	if !ok {
		return nil, ""
	}

	d.state.mu.Lock()
	regime := d.state.regime
	d.state.mu.Unlock()
	preset := regimePresets[regime]
	threshold := preset.thresholdPct()
	if threshold < d.detection.MinThreshold {
		threshold = d.detection.MinThreshold
	}

	cross := calc.CrossRate(legs[0].mid, legs[1].mid, legs[2].mid)
	if cross == 0 {
		return nil, "implausible prices"
	}
	profit := math.Abs(cross-1) * 100

	// spreadRatio normalizes average leg spread so ~3 pips hits the 0.3 cap.
	spreadRatio := (legs[0].spreadPips + legs[1].spreadPips + legs[2].spreadPips) / 3 / 10
	volumeScore := d.volumeScore(legs[2].pair)

	checks := 0
	if profit > threshold {
		checks++
	}
	if cross >= crossRateFloor && cross <= crossRateCeil {
		checks++
	}
	if spreadRatio <= d.detection.MaxSpreadRatio {
		checks++
	}
	if volumeScore >= d.detection.MinVolumeThreshold {
		checks++
	}
	hotOK := true
	if regime == models.RegimeVolatile || regime == models.RegimeTrending {
		hotOK = profit >= hotRegimeMargin*threshold
	}
	if hotOK {
		checks++
	}
	if checks < validationChecks {
		return nil, fmt.Sprintf("%d/%d checks passed (profit=%.4f%% threshold=%.4f%%)", checks, validationChecks, profit, threshold)
	}

	confidence := confidenceScore(profit, threshold, spreadRatio, volumeScore, checks)
	if confidence < d.detection.MinConfidence {
		return nil, fmt.Sprintf("confidence %.2f below %.2f", confidence, d.detection.MinConfidence)
	}

	op := &models.Opportunity{
		ID:           uuid.NewString(),
		Triangle:     tri,
		CrossRate:    cross,
		ProfitPct:    profit,
		Confidence:   confidence,
		Regime:       regime,
		ChecksPassed: checks,
		CreatedAt:    time.Now().UTC(),
	}
	pairs := tri.Pairs()
	for i := range op.Legs {
		op.Legs[i].Pair = pairs[i]
	}
	if cross > 1 {
		op.Legs[0].Side, op.Legs[1].Side, op.Legs[2].Side = models.SideBuy, models.SideBuy, models.SideSell
	} else {
		op.Legs[0].Side, op.Legs[1].Side, op.Legs[2].Side = models.SideSell, models.SideSell, models.SideBuy
	}

	if decision := d.advisor.EvaluateEntry(op); !decision.Approve {
		return nil, fmt.Sprintf("advisor veto: %s", decision.Reason)
	}
	return op, ""
}

// samplePrices reads each leg's quote N times with spacing and rejects
// unstable or missing feeds.
func (d *Detector) samplePrices(tri models.Triangle) ([3]sampledLeg, bool) {
	var legs [3]sampledLeg
	pairs := tri.Pairs()
	var samples [3][]float64

	for n := 0; n < priceSamples; n++ {
		if n > 0 {
			time.Sleep(d.sampleSpacing)
		}
		for i, pair := range pairs {
			q, err := d.broker.GetQuote(d.mapper.GetReal(string(pair)))
			if err != nil {
				return legs, false
			}
			mid := q.Mid()
			if !calc.ValidPrice(mid) {
				return legs, false
			}
			samples[i] = append(samples[i], mid)
			legs[i].pair = pair
			legs[i].spreadPips = q.SpreadPips(pair)
		}
	}

	for i := range legs {
		if variance(samples[i]) > maxSampleVariance {
			return legs, false
		}
		legs[i].mid = mean(samples[i])
	}
	return legs, true
}

// volumeScore rates recent tick volume on the third leg against its short
// average. Missing history scores neutral rather than blocking detection.
func (d *Detector) volumeScore(pair models.Pair) float64 {
	bars, err := d.broker.GetHistory(d.mapper.GetReal(string(pair)), broker.TimeframeM1, 20)
	if err != nil || len(bars) < 5 {
		return 0.5
	}
	var total int64
	for _, b := range bars {
		total += b.Volume
	}
	avg := float64(total) / float64(len(bars))
	if avg <= 0 {
		return 0.5
	}
	score := float64(bars[len(bars)-1].Volume) / avg
	if score > 1 {
		score = 1
	}
	return score
}

func confidenceScore(profit, threshold, spreadRatio, volumeScore float64, checks int) float64 {
	var base float64
	switch {
	case profit >= 3*threshold:
		base = 0.4
	case profit >= 2*threshold:
		base = 0.3
	default:
		base = 0.2
	}
	score := base + 0.3*float64(checks)/validationChecks
	switch {
	case spreadRatio < 0.1:
		score += 0.2
	case spreadRatio < 0.2:
		score += 0.1
	}
	if volumeScore >= 0.8 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return sum / float64(len(xs))
}
