package recovery

import (
	"math"
	"sort"
	"time"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/tracker"
)

// Monitor advances every active recovery: timed-out hedges are closed,
// recovered pairs are resolved at break-even or better, and profitable but
// insufficient hedges are flagged for adjustment. Called once per tick.
func (m *Manager) Monitor() {
	recoveries := m.ActiveRecoveries()
	if len(recoveries) == 0 {
		return
	}

	positions, err := m.broker.GetAllPositions()
	if err != nil {
		m.logger.Printf("Recovery monitor skipped: %v", err)
		return
	}
	byKey := make(map[string]broker.Position, len(positions))
	for _, pos := range positions {
		byKey[tracker.Key(pos.Ticket, pos.Symbol)] = pos
	}

	maxAge := time.Duration(m.cfg.Correlation.MaxRecoveryTimeHrs * float64(time.Hour))
	now := time.Now().UTC()

	for _, rec := range recoveries {
		hedge, hedgeLive := byKey[rec.HedgeKey]
		if !hedgeLive {
			// Hedge closed externally; tracker sync reconciles the book.
			m.resolve(rec.HedgeKey, "success", 0)
			continue
		}

		if now.Sub(rec.EntryTime) > maxAge {
			m.logger.Printf("Recovery %s timed out after %s, closing hedge", rec.HedgeKey, maxAge)
			m.closeHedge(rec, "timeout")
			continue
		}

		basePnL := 0.0
		if base, ok := byKey[rec.BaseKey]; ok {
			basePnL = base.Profit + base.Swap
		}
		hedgePnL := hedge.Profit + hedge.Swap

		if basePnL+hedgePnL >= 0 {
			m.logger.Printf("Recovery %s resolved: base %.2f + hedge %.2f >= 0", rec.HedgeKey, basePnL, hedgePnL)
			m.closeHedge(rec, "success")
			continue
		}
		if hedgePnL > 0 {
			// Adjustment hook: the hedge works but does not yet cover the
			// loss. No destructive action here.
			m.logger.Printf("Recovery %s progressing: base %.2f, hedge %.2f", rec.HedgeKey, basePnL, hedgePnL)
		}
	}
}

// closeHedge flattens one hedge and resolves its record.
func (m *Manager) closeHedge(rec ActiveRecovery, outcome string) {
	res, err := m.closeTicket(rec.HedgeTicket)
	if err != nil {
		m.logger.Printf("WARNING: closing hedge %s: %v", rec.HedgeKey, err)
		return
	}
	m.tracker.Remove(rec.HedgeKey)
	m.resolve(rec.HedgeKey, outcome, res.RealizedPnL)
}

func (m *Manager) resolve(hedgeKey, outcome string, realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[hedgeKey]
	if !ok {
		return
	}
	rec.Status = outcome
	delete(m.active, hedgeKey)
	switch outcome {
	case "success":
		m.stats.SuccessfulRecoveries++
		m.stats.RecoveredAmount += realized
	case "timeout":
		m.stats.TimedOutRecoveries++
	}
}

// RebalanceAction proposes trimming one currency's net exposure.
type RebalanceAction struct {
	Currency string
	Exposure float64 // signed net lots
	Severity float64 // share of total exposure
}

// CheckRebalance computes per-currency net exposure across all live
// positions and proposes actions when one currency dominates the book.
// Respects the configured frequency; returns nil when nothing to do.
func (m *Manager) CheckRebalance() []RebalanceAction {
	if !m.cfg.Rebalancing.Enabled {
		return nil
	}
	m.mu.Lock()
	last := m.lastRebalance
	m.mu.Unlock()

	minGap := time.Duration(m.cfg.Rebalancing.FrequencyHours * float64(time.Hour))
	if !last.IsZero() && time.Since(last) < minGap {
		return nil
	}

	positions, err := m.broker.GetAllPositions()
	if err != nil {
		m.logger.Printf("Rebalance check skipped: %v", err)
		return nil
	}

	exposure := currencyExposure(positions)
	var total float64
	for _, e := range exposure {
		total += math.Abs(e)
	}
	if total == 0 {
		return nil
	}

	var actions []RebalanceAction
	for ccy, e := range exposure {
		severity := math.Abs(e) / total
		if severity > m.cfg.Rebalancing.BalanceThreshold {
			actions = append(actions, RebalanceAction{Currency: ccy, Exposure: e, Severity: severity})
		}
	}
	if len(actions) == 0 {
		return nil
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Severity > actions[j].Severity })

	m.mu.Lock()
	m.lastRebalance = time.Now().UTC()
	m.mu.Unlock()
	m.logger.Printf("Rebalancing proposed: %d currencies over threshold (max %s %.0f%%)",
		len(actions), actions[0].Currency, actions[0].Severity*100)
	return actions
}

// currencyExposure sums signed volumes per currency: a long position is
// long the base and short the quote.
func currencyExposure(positions []broker.Position) map[string]float64 {
	exposure := make(map[string]float64)
	for _, pos := range positions {
		pair := models.Pair(pos.Symbol)
		if !pair.Valid() {
			continue
		}
		sign := 1.0
		if pos.Side == models.SideSell {
			sign = -1.0
		}
		exposure[pair.Base()] += sign * pos.Volume
		exposure[pair.Quote()] -= sign * pos.Volume
	}
	return exposure
}
