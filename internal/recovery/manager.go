package recovery

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mwalcott/triarb/internal/advisor"
	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/config"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/symbols"
	"github.com/mwalcott/triarb/internal/tracker"
)

const (
	hedgeRatioMin = 0.5
	hedgeRatioMax = 2.0
	hedgeLotMin   = 0.01
	hedgeLotMax   = 10.0
	// negCorrBoost amplifies the hedge ratio for negatively correlated
	// hedges, which recover through co-movement rather than offset.
	negCorrBoost = 1.2

	maxCandidates = 5
	// advisorMinConfidence gates hedge execution on the advisory opinion.
	advisorMinConfidence = 0.6
)

// Direction says which way the hedge trades relative to the loser.
type Direction string

const (
	DirectionSame     Direction = "same"
	DirectionOpposite Direction = "opposite"
)

// HedgeCandidate is one scored hedge proposal for a losing position.
type HedgeCandidate struct {
	HedgePair         models.Pair
	Correlation       float64
	HedgeRatio        float64
	Volume            float64
	RecoveryPotential float64
	PriorityScore     float64
	Direction         Direction
}

// ActiveRecovery tracks one live hedge from entry to resolution.
type ActiveRecovery struct {
	BaseKey     string    `json:"base_key"`
	HedgeKey    string    `json:"hedge_key"`
	BasePair    string    `json:"base_pair"`
	HedgePair   string    `json:"hedge_pair"`
	HedgeTicket int64     `json:"hedge_ticket"`
	Ratio       float64   `json:"ratio"`
	Correlation float64   `json:"correlation"`
	Direction   Direction `json:"direction"`
	EntryTime   time.Time `json:"entry_time"`
	Potential   float64   `json:"potential"`
	Status      string    `json:"status"` // active, success, timeout
}

// Stats are the manager's lifetime counters.
type Stats struct {
	TotalRecoveries      int     `json:"total_recoveries"`
	SuccessfulRecoveries int     `json:"successful_recoveries"`
	TimedOutRecoveries   int     `json:"timed_out_recoveries"`
	RecoveredAmount      float64 `json:"recovered_amount"`
}

// PositionCloser flattens a ticket, typically retrying transient failures.
type PositionCloser interface {
	ClosePositionWithRetry(ctx context.Context, ticket int64) (*broker.CloseResult, error)
}

// Manager owns hedge candidate selection, recovery execution and the
// active-recovery book. The coordinator drives it once per tick.
type Manager struct {
	mu      sync.Mutex
	broker  broker.Broker
	closer  PositionCloser
	mapper  *symbols.Mapper
	tracker *tracker.Tracker
	matrix  *Matrix
	advisor advisor.Advisor
	logger  *log.Logger

	cfg    config.RecoveryConfig
	sizing models.SizingParams

	active        map[string]*ActiveRecovery // keyed by hedge key
	stats         Stats
	lastRebalance time.Time
}

// NewManager creates a recovery Manager.
func NewManager(b broker.Broker, mapper *symbols.Mapper, tr *tracker.Tracker, matrix *Matrix, adv advisor.Advisor, cfg config.RecoveryConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Manager{
		broker:  b,
		mapper:  mapper,
		tracker: tr,
		matrix:  matrix,
		advisor: adv,
		logger:  logger,
		cfg:     cfg,
		active:  make(map[string]*ActiveRecovery),
	}
}

// SetCloser routes hedge closes through c instead of the raw broker.
func (m *Manager) SetCloser(c PositionCloser) {
	m.closer = c
}

func (m *Manager) closeTicket(ticket int64) (*broker.CloseResult, error) {
	if m.closer != nil {
		return m.closer.ClosePositionWithRetry(context.Background(), ticket)
	}
	return m.broker.ClosePosition(ticket)
}

// SetSizing updates account-derived sizing. Pushed by the coordinator.
func (m *Manager) SetSizing(p models.SizingParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizing = p
}

// Stats returns a copy of the lifetime counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ActiveRecoveries returns copies of the live hedge records.
func (m *Manager) ActiveRecoveries() []ActiveRecovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveRecovery, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HedgeKey < out[j].HedgeKey })
	return out
}

// FindHedgeCandidates scores hedge pairs for a losing position and returns
// at most five, best first.
func (m *Manager) FindHedgeCandidates(ctx context.Context, basePair models.Pair, lossAmount, basePrice float64) []HedgeCandidate {
	if lossAmount >= 0 || basePrice <= 0 {
		return nil
	}
	row := m.matrix.CorrelationsFor(ctx, string(basePair))
	if len(row) == 0 {
		return nil
	}

	minCorr := m.cfg.Correlation.MinCorrelation
	maxCorr := m.cfg.Correlation.MaxCorrelation

	queue := tracker.NewPriorityQueue()
	byPair := make(map[string]HedgeCandidate)
	for hedgePair, rho := range row {
		abs := math.Abs(rho)
		if abs < minCorr || abs > maxCorr {
			continue
		}
		ratio := 1 / abs
		if rho < 0 {
			ratio *= negCorrBoost
		}
		if ratio < hedgeRatioMin || ratio > hedgeRatioMax {
			continue
		}

		baseVolume := math.Abs(lossAmount) / (basePrice * 0.01)
		volume := clamp(baseVolume*ratio, hedgeLotMin, hedgeLotMax)

		ideal := 1 / abs
		potential := abs * (1 - math.Abs(ratio-ideal)/ideal)
		if potential < 0 {
			potential = 0
		}
		priority := abs * potential

		direction := DirectionOpposite
		if rho < 0 {
			direction = DirectionSame
		}

		byPair[hedgePair] = HedgeCandidate{
			HedgePair:         models.Pair(hedgePair),
			Correlation:       rho,
			HedgeRatio:        ratio,
			Volume:            volume,
			RecoveryPotential: potential,
			PriorityScore:     priority,
			Direction:         direction,
		}
		queue.Push(hedgePair, priority)
	}

	var out []HedgeCandidate
	for len(out) < maxCandidates {
		key, _, ok := queue.Pop()
		if !ok {
			break
		}
		out = append(out, byPair[key])
	}
	return out
}

// hedgeSide resolves the hedge's trade side from the loser's side and the
// candidate direction.
func hedgeSide(baseSide models.Side, direction Direction) models.Side {
	if direction == DirectionSame {
		return baseSide
	}
	return baseSide.Opposite()
}

// ExecuteRecovery opens a hedge for a tracked losing position. The hedge is
// registered with the tracker and recorded in the active book.
func (m *Manager) ExecuteRecovery(base tracker.Record, cand HedgeCandidate) (*ActiveRecovery, error) {
	decision := m.advisor.EvaluateRecovery(cand.HedgePair, cand.Correlation, cand.HedgeRatio)
	if !decision.Approve || decision.Confidence <= advisorMinConfidence {
		return nil, fmt.Errorf("advisor declined hedge %s for %s: %s (confidence %.2f)",
			cand.HedgePair, base.Key(), decision.Reason, decision.Confidence)
	}

	side := hedgeSide(base.Side, cand.Direction)
	comment := fmt.Sprintf("R%d_%s", base.Ticket, base.Symbol)
	res, err := m.broker.PlaceOrder(broker.OrderRequest{
		Symbol:  m.mapper.GetReal(string(cand.HedgePair)),
		Side:    side,
		Volume:  cand.Volume,
		Comment: comment,
		Magic:   base.Magic,
	})
	if err != nil {
		return nil, fmt.Errorf("placing hedge %s for %s: %w", cand.HedgePair, base.Key(), err)
	}

	hedgeRec := tracker.Record{
		Ticket:    res.Ticket,
		Symbol:    string(cand.HedgePair),
		Side:      side,
		Volume:    cand.Volume,
		OpenPrice: res.Price,
		OpenedAt:  time.Now().UTC(),
		Magic:     base.Magic,
		Comment:   comment,
	}
	if err := m.tracker.RegisterRecovery(base.Key(), hedgeRec, m.cfg.ChainRecovery.MaxChainDepth); err != nil {
		return nil, fmt.Errorf("tracking hedge %s: %w", hedgeRec.Key(), err)
	}

	rec := &ActiveRecovery{
		BaseKey:     base.Key(),
		HedgeKey:    hedgeRec.Key(),
		BasePair:    base.Symbol,
		HedgePair:   string(cand.HedgePair),
		HedgeTicket: res.Ticket,
		Ratio:       cand.HedgeRatio,
		Correlation: cand.Correlation,
		Direction:   cand.Direction,
		EntryTime:   time.Now().UTC(),
		Potential:   cand.RecoveryPotential,
		Status:      "active",
	}

	m.mu.Lock()
	m.active[rec.HedgeKey] = rec
	m.stats.TotalRecoveries++
	m.mu.Unlock()

	m.logger.Printf("Recovery opened: %s %s %.2f lots hedging %s (rho=%.2f ratio=%.2f %s)",
		side, cand.HedgePair, cand.Volume, base.Key(), cand.Correlation, cand.HedgeRatio, cand.Direction)
	return rec, nil
}

// ScanAndRecover hedges every tracked position whose loss crosses the
// threshold. At most one hedge is opened per call to keep order flow tame.
func (m *Manager) ScanAndRecover(ctx context.Context) {
	m.mu.Lock()
	balance := m.sizing.Balance
	minLossPct := m.cfg.LossThresholds.MinLossPercent
	m.mu.Unlock()
	if balance <= 0 {
		return
	}

	positions, err := m.broker.GetAllPositions()
	if err != nil {
		m.logger.Printf("Recovery scan skipped: %v", err)
		return
	}
	profitByKey := make(map[string]broker.Position, len(positions))
	for _, pos := range positions {
		profitByKey[tracker.Key(pos.Ticket, pos.Symbol)] = pos
	}

	for _, rec := range m.tracker.Unhedged() {
		pos, live := profitByKey[rec.Key()]
		if !live {
			continue
		}
		loss := pos.Profit + pos.Swap
		if loss >= 0 {
			continue
		}
		lossPct := math.Abs(loss) / balance * 100
		if lossPct < minLossPct {
			continue
		}

		basePrice := pos.CurrentPrice
		if basePrice <= 0 {
			basePrice = pos.OpenPrice
		}
		candidates := m.FindHedgeCandidates(ctx, models.Pair(rec.Symbol), loss, basePrice)
		if len(candidates) == 0 {
			m.logger.Printf("No hedge candidates for %s (loss %.2f, %.2f%%)", rec.Key(), loss, lossPct)
			continue
		}
		for _, cand := range candidates {
			if _, err := m.ExecuteRecovery(rec, cand); err != nil {
				m.logger.Printf("Hedge attempt failed: %v", err)
				continue
			}
			return
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
