// Package recovery implements correlation-based hedging: the matrix of
// pairwise correlations, hedge candidate selection, recovery execution and
// progress monitoring.
package recovery

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/calc"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/symbols"
)

// Timeframe blend for the combined correlation estimate.
var timeframeWeights = []struct {
	tf     broker.Timeframe
	weight float64
	perDay int
}{
	{broker.TimeframeH1, 0.5, 24},
	{broker.TimeframeH4, 0.3, 6},
	{broker.TimeframeD1, 0.2, 1},
}

const (
	// maxMatrixPairs caps on-demand computation fan-out.
	maxMatrixPairs = 20
	// fetchParallelism bounds concurrent history requests to the bridge.
	fetchParallelism = 4
)

// defaultCorrelations is the last-resort estimate table, keyed "PAIR1|PAIR2".
var defaultCorrelations = map[string]float64{
	"EURUSD|GBPUSD": 0.85,
	"EURUSD|USDCHF": -0.92,
	"EURUSD|USDJPY": -0.30,
	"EURUSD|AUDUSD": 0.70,
	"EURUSD|NZDUSD": 0.65,
	"AUDUSD|NZDUSD": 0.87,
	"GBPUSD|USDCHF": -0.80,
	"GBPUSD|USDJPY": -0.25,
	"AUDUSD|USDCAD": -0.65,
	"USDCAD|USDCHF": 0.55,
	"USDCHF|USDJPY": 0.45,
	"EURGBP|GBPUSD": -0.60,
	"EURJPY|USDJPY": 0.70,
	"GBPJPY|USDJPY": 0.65,
	"AUDJPY|USDJPY": 0.60,
}

// Matrix caches pairwise weighted correlations over the mapped pairs.
// Refresh runs on the scheduler cadence; reads are lock-cheap.
type Matrix struct {
	mu           sync.RWMutex
	data         map[string]map[string]float64
	asOf         time.Time
	broker       broker.Broker
	mapper       *symbols.Mapper
	lookbackDays int
	logger       *log.Logger
}

// NewMatrix creates an empty matrix over the mapper's pair universe.
func NewMatrix(b broker.Broker, mapper *symbols.Mapper, lookbackDays int, logger *log.Logger) *Matrix {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Matrix{
		data:         make(map[string]map[string]float64),
		broker:       b,
		mapper:       mapper,
		lookbackDays: lookbackDays,
		logger:       logger,
	}
}

// AsOf returns when the matrix was last rebuilt.
func (m *Matrix) AsOf() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.asOf
}

// Refresh rebuilds the full matrix: history fetches run in parallel per
// pair and timeframe, then every pair combination is correlated with the
// H1/H4/D1 blend. Pairs with unusable history are skipped, not fatal.
func (m *Matrix) Refresh(ctx context.Context) error {
	pairs := m.mapper.MappedPairs()
	if len(pairs) > maxMatrixPairs {
		pairs = pairs[:maxMatrixPairs]
	}
	if len(pairs) < 2 {
		return fmt.Errorf("correlation refresh: only %d mapped pairs", len(pairs))
	}

	closes, err := m.fetchCloses(ctx, pairs)
	if err != nil {
		return err
	}

	data := make(map[string]map[string]float64, len(pairs))
	computed := 0
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			rho, ok := blendedCorrelation(closes[pairs[i]], closes[pairs[j]])
			if !ok {
				continue
			}
			put(data, pairs[i], pairs[j], rho)
			put(data, pairs[j], pairs[i], rho)
			computed++
		}
	}

	m.mu.Lock()
	m.data = data
	m.asOf = time.Now().UTC()
	m.mu.Unlock()
	m.logger.Printf("Correlation matrix rebuilt: %d pairs, %d correlations", len(pairs), computed)
	return nil
}

// fetchCloses pulls lookback history for every pair and timeframe with
// bounded parallelism.
func (m *Matrix) fetchCloses(ctx context.Context, pairs []string) (map[string]map[broker.Timeframe][]float64, error) {
	var mu sync.Mutex
	closes := make(map[string]map[broker.Timeframe][]float64, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for _, pair := range pairs {
		for _, tw := range timeframeWeights {
			pair, tw := pair, tw
			g.Go(func() error {
				count := m.lookbackDays * tw.perDay
				bars, err := m.broker.GetHistoryCtx(gctx, m.mapper.GetReal(pair), tw.tf, count)
				if err != nil {
					// One bad symbol must not sink the whole refresh.
					m.logger.Printf("Correlation refresh: %s %s history unavailable: %v", pair, tw.tf, err)
					return nil
				}
				series := make([]float64, len(bars))
				for i, b := range bars {
					series[i] = b.Close
				}
				mu.Lock()
				if closes[pair] == nil {
					closes[pair] = make(map[broker.Timeframe][]float64)
				}
				closes[pair][tw.tf] = series
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("correlation refresh: %w", err)
	}
	return closes, nil
}

// blendedCorrelation combines per-timeframe weighted correlations. Returns
// false when no timeframe produced a usable estimate.
func blendedCorrelation(a, b map[broker.Timeframe][]float64) (float64, bool) {
	var sum, weightSum float64
	for _, tw := range timeframeWeights {
		rho := calc.WeightedCorrelation(a[tw.tf], b[tw.tf])
		if rho == 0 {
			continue
		}
		sum += rho * tw.weight
		weightSum += tw.weight
	}
	if weightSum == 0 {
		return 0, false
	}
	return sum / weightSum, true
}

func put(data map[string]map[string]float64, a, b string, rho float64) {
	if data[a] == nil {
		data[a] = make(map[string]float64)
	}
	data[a][b] = rho
}

// CorrelationsFor returns the correlation row for a pair. A cache miss
// triggers on-demand computation against up to 20 other pairs, then the
// tick-strength estimate, then the built-in default table.
func (m *Matrix) CorrelationsFor(ctx context.Context, pair string) map[string]float64 {
	m.mu.RLock()
	row, ok := m.data[pair]
	m.mu.RUnlock()
	if ok && len(row) > 0 {
		return copyRow(row)
	}

	if row := m.computeOnDemand(ctx, pair); len(row) > 0 {
		m.cacheRow(pair, row)
		return copyRow(row)
	}
	if row := m.estimateFromStructure(pair); len(row) > 0 {
		m.logger.Printf("Correlation for %s estimated from currency overlap (%d pairs)", pair, len(row))
		m.cacheRow(pair, row)
		return copyRow(row)
	}
	if row := defaultsFor(pair); len(row) > 0 {
		m.logger.Printf("Correlation for %s from default table (%d pairs)", pair, len(row))
		m.cacheRow(pair, row)
		return copyRow(row)
	}
	return nil
}

func (m *Matrix) cacheRow(pair string, row map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[pair] = row
	for other, rho := range row {
		put(m.data, other, pair, rho)
	}
}

func copyRow(row map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// computeOnDemand correlates one pair against the rest of the universe.
func (m *Matrix) computeOnDemand(ctx context.Context, pair string) map[string]float64 {
	others := m.mapper.MappedPairs()
	candidates := make([]string, 0, maxMatrixPairs)
	for _, other := range others {
		if other == pair {
			continue
		}
		candidates = append(candidates, other)
		if len(candidates) == maxMatrixPairs {
			break
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	all := append([]string{pair}, candidates...)
	closes, err := m.fetchCloses(ctx, all)
	if err != nil {
		m.logger.Printf("On-demand correlation for %s failed: %v", pair, err)
		return nil
	}

	row := make(map[string]float64)
	for _, other := range candidates {
		if rho, ok := blendedCorrelation(closes[pair], closes[other]); ok {
			row[other] = rho
		}
	}
	return row
}

// estimateFromStructure approximates correlations from shared currencies:
// pairs sharing a currency on the same side co-move, on opposite sides they
// counter-move. A stand-in when the broker cannot serve history.
func (m *Matrix) estimateFromStructure(pair string) map[string]float64 {
	base := models.Pair(pair)
	if !base.Valid() {
		return nil
	}
	row := make(map[string]float64)
	for _, other := range m.mapper.MappedPairs() {
		if other == pair {
			continue
		}
		p := models.Pair(other)
		if !p.Valid() {
			continue
		}
		switch {
		case base.Base() == p.Base() || base.Quote() == p.Quote():
			row[other] = 0.75
		case base.Base() == p.Quote() || base.Quote() == p.Base():
			row[other] = -0.75
		}
	}
	return row
}

// defaultsFor filters the built-in table for one pair.
func defaultsFor(pair string) map[string]float64 {
	row := make(map[string]float64)
	for key, rho := range defaultCorrelations {
		parts := strings.SplitN(key, "|", 2)
		if len(parts) != 2 {
			continue
		}
		switch pair {
		case parts[0]:
			row[parts[1]] = rho
		case parts[1]:
			row[parts[0]] = rho
		}
	}
	return row
}

// Pairs returns the cached pair universe, sorted, for diagnostics.
func (m *Matrix) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for pair := range m.data {
		out = append(out, pair)
	}
	sort.Strings(out)
	return out
}
