package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/calc"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/tracker"
)

// ErrExecutionGated means a precondition blocked group execution; nothing
// was sent to the broker.
var ErrExecutionGated = errors.New("execution gated")

// PositionCloser flattens a ticket, typically retrying transient failures.
type PositionCloser interface {
	ClosePositionWithRetry(ctx context.Context, ticket int64) (*broker.CloseResult, error)
}

// SetCloser routes group closes through c instead of the raw broker.
func (d *Detector) SetCloser(c PositionCloser) {
	d.closer = c
}

func (d *Detector) closeTicket(ticket int64) (*broker.CloseResult, error) {
	if d.closer != nil {
		return d.closer.ClosePositionWithRetry(context.Background(), ticket)
	}
	return d.broker.ClosePosition(ticket)
}

// defaultStopLossPips feeds risk-based sizing. Arbitrage legs carry no
// actual stop; the distance only scales the risk budget.
const defaultStopLossPips = 20.0

// groupState is the detector's mutable state: the active group, rate
// limiting counters and pushed coordinator inputs. Survives restarts.
type groupState struct {
	mu sync.Mutex

	regime    models.Regime
	sizing    models.SizingParams
	triangles []models.Triangle

	paused      bool
	active      *models.Group
	seq         int
	lastOrderAt time.Time
	ordersToday int
	ordersDate  string // YYYY-MM-DD, local wall clock

	totalGroups  int
	closedGroups int
	totalPnL     float64

	filePath string
	logger   *log.Logger
}

type groupStateFile struct {
	ActiveGroup  *models.Group `json:"active_group,omitempty"`
	Seq          int           `json:"seq"`
	Paused       bool          `json:"is_arbitrage_paused"`
	OrdersToday  int           `json:"orders_today"`
	OrdersDate   string        `json:"orders_date"`
	LastOrderAt  string        `json:"last_order_at,omitempty"`
	TotalGroups  int           `json:"total_groups"`
	ClosedGroups int           `json:"closed_groups"`
	TotalPnL     float64       `json:"total_pnl"`
	SavedAt      string        `json:"saved_at"`
}

func loadGroupState(filePath string, logger *log.Logger) (*groupState, error) {
	s := &groupState{
		regime:   models.RegimeNormal,
		filePath: filePath,
		logger:   logger,
	}
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading group state: %w", err)
	}
	var file groupStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Printf("WARNING: corrupt group state %s, starting empty: %v", filePath, err)
		return s, nil
	}
	s.active = file.ActiveGroup
	s.seq = file.Seq
	s.paused = file.Paused
	s.ordersToday = file.OrdersToday
	s.ordersDate = file.OrdersDate
	s.totalGroups = file.TotalGroups
	s.closedGroups = file.ClosedGroups
	s.totalPnL = file.TotalPnL
	if ts, err := time.Parse(time.RFC3339, file.LastOrderAt); err == nil {
		s.lastOrderAt = ts
	}
	return s, nil
}

// persistLocked writes state atomically. Callers hold s.mu.
func (s *groupState) persistLocked() error {
	file := groupStateFile{
		ActiveGroup:  s.active,
		Seq:          s.seq,
		Paused:       s.paused,
		OrdersToday:  s.ordersToday,
		OrdersDate:   s.ordersDate,
		TotalGroups:  s.totalGroups,
		ClosedGroups: s.closedGroups,
		TotalPnL:     s.totalPnL,
		SavedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if !s.lastOrderAt.IsZero() {
		file.LastOrderAt = s.lastOrderAt.Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding group state: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating group state directory: %w", err)
		}
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing group state: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replacing group state: %w", err)
	}
	return nil
}

// Paused reports whether arbitrage detection is suspended by an open group.
func (d *Detector) Paused() bool {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.paused
}

// ActiveGroup returns a copy of the current group, or nil.
func (d *Detector) ActiveGroup() *models.Group {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if d.state.active == nil {
		return nil
	}
	cp := *d.state.active
	return &cp
}

// Totals reports lifetime group counters: opened, closed, realized PnL.
func (d *Detector) Totals() (opened, closed int, pnl float64) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.totalGroups, d.state.closedGroups, d.state.totalPnL
}

// gate checks execution preconditions under the state lock and, when all
// pass, reserves a new group sequence number.
func (d *Detector) gate(op *models.Opportunity, now time.Time) (int, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()

	if d.state.paused {
		return 0, fmt.Errorf("%w: arbitrage paused", ErrExecutionGated)
	}
	if d.state.active != nil {
		if overlap := trianglesShareSymbol(d.state.active.Triangle, op.Triangle); overlap != "" {
			return 0, fmt.Errorf("%w: symbol %s busy in group %s", ErrExecutionGated, overlap, d.state.active.ID)
		}
		return 0, fmt.Errorf("%w: group %s still active", ErrExecutionGated, d.state.active.ID)
	}

	today := now.Format("2006-01-02")
	if d.state.ordersDate != today {
		d.state.ordersDate = today
		d.state.ordersToday = 0
	}
	if d.state.ordersToday+3 > d.execution.MaxOrdersPerDay {
		return 0, fmt.Errorf("%w: daily order cap %d reached", ErrExecutionGated, d.execution.MaxOrdersPerDay)
	}
	minInterval := time.Duration(d.execution.MinOrderIntervalSec) * time.Second
	if !d.state.lastOrderAt.IsZero() && now.Sub(d.state.lastOrderAt) < minInterval {
		return 0, fmt.Errorf("%w: %s since last order, need %s", ErrExecutionGated, now.Sub(d.state.lastOrderAt).Round(time.Second), minInterval)
	}

	d.state.seq++
	return d.state.seq, nil
}

func trianglesShareSymbol(a, b models.Triangle) string {
	for _, pair := range b.Pairs() {
		if a.Contains(pair) {
			return string(pair)
		}
	}
	return ""
}

// ExecuteGroup opens the three legs of an opportunity. Legs are submitted
// sequentially; on any leg failure there is no rollback: survivors stay
// open as tracked originals awaiting correlation recovery.
func (d *Detector) ExecuteGroup(op *models.Opportunity) (*models.Group, error) {
	now := time.Now()
	seq, err := d.gate(op, now)
	if err != nil {
		return nil, err
	}

	lots, err := d.legLots(op.Triangle)
	if err != nil {
		return nil, fmt.Errorf("sizing group legs: %w", err)
	}

	groupID := fmt.Sprintf("G%d", seq)
	magic := d.magicBase + int64(seq)
	var positions []models.GroupPosition
	var placed int

	for i, leg := range op.Legs {
		req := broker.OrderRequest{
			Symbol:  d.mapper.GetReal(string(leg.Pair)),
			Side:    leg.Side,
			Volume:  lots[i],
			Comment: fmt.Sprintf("ARB_%s_%s", groupID, leg.Pair),
			Magic:   magic,
		}
		res, err := d.broker.PlaceOrder(req)
		d.noteOrderAttempt()
		if err != nil || res == nil || res.RetCode != broker.RetDone {
			code := 0
			if res != nil {
				code = res.RetCode
			}
			d.logger.Printf("Group %s leg %d (%s %s) failed: retcode %d (%s): %v",
				groupID, i+1, leg.Side, leg.Pair, code, broker.DescribeRetCode(code), err)
			break
		}
		placed++
		positions = append(positions, models.GroupPosition{
			Ticket:   res.Ticket,
			Pair:     leg.Pair,
			Side:     leg.Side,
			Volume:   lots[i],
			OpenedAt: time.Now().UTC(),
		})
		if regErr := d.tracker.RegisterOriginal(tracker.Record{
			Ticket:    res.Ticket,
			Symbol:    string(leg.Pair),
			Side:      leg.Side,
			Volume:    lots[i],
			OpenPrice: res.Price,
			OpenedAt:  time.Now().UTC(),
			Magic:     magic,
			Comment:   req.Comment,
			GroupID:   groupID,
		}); regErr != nil {
			d.logger.Printf("WARNING: tracking leg %d of %s: %v", i+1, groupID, regErr)
		}
	}

	if placed < len(op.Legs) {
		// Never-cut-loss: the survivors stay open; recovery hedges them.
		d.logger.Printf("Group %s partial: %d/%d legs placed, survivors await recovery", groupID, placed, len(op.Legs))
		return nil, fmt.Errorf("group %s partial execution: %d/%d legs placed", groupID, placed, len(op.Legs))
	}

	group := models.NewGroup(seq, op.Triangle, positions)

	d.state.mu.Lock()
	d.state.active = group
	d.state.paused = true
	d.state.totalGroups++
	err = d.state.persistLocked()
	d.state.mu.Unlock()
	if err != nil {
		d.logger.Printf("WARNING: persisting group state: %v", err)
	}

	d.logger.Printf("Group %s opened on %s: %d legs, magic %d", groupID, op.Triangle, placed, magic)
	return group, nil
}

func (d *Detector) noteOrderAttempt() {
	d.state.mu.Lock()
	d.state.lastOrderAt = time.Now()
	d.state.ordersToday++
	d.state.mu.Unlock()
}

// legLots sizes the three legs per the configured model.
func (d *Detector) legLots(tri models.Triangle) ([3]float64, error) {
	d.state.mu.Lock()
	sizing := d.state.sizing
	d.state.mu.Unlock()

	balance := sizing.Balance
	if balance <= 0 {
		balance = d.lotCfg.BaseBalance
	}
	constraints := calc.LotConstraints{Step: d.lotCfg.LotStep, Min: d.lotCfg.MinLot, Max: d.lotCfg.MaxLot}

	if d.lotCfg.UseRiskBasedSizing {
		var lots [3]float64
		for i, pair := range tri.Pairs() {
			l, err := calc.RiskBasedLots(pair, balance, d.lotCfg.RiskPerTradePercent, defaultStopLossPips, d.broker, constraints)
			if err != nil {
				return lots, err
			}
			lots[i] = l
		}
		return lots, nil
	}

	target := sizing.TargetPipValue
	if target <= 0 {
		target = d.lotCfg.TargetPipValue
	}
	return calc.UniformTriangleLots(tri, balance, d.lotCfg.BaseBalance, target, d.broker, constraints)
}

// MonitorGroups evaluates the active group's closure conditions: age-based
// expiry and break-even-or-better aggregate PnL including recovery children.
// Called once per coordinator tick.
func (d *Detector) MonitorGroups() {
	group := d.ActiveGroup()
	if group == nil {
		return
	}

	maxAge := time.Duration(d.closing.MaxGroupAgeHours * float64(time.Hour))
	if group.Age(d.now().UTC()) >= maxAge {
		d.logger.Printf("Group %s exceeded max age %s, closing", group.ID, maxAge)
		d.closeGroup(group, models.ConditionMaxAge, models.GroupExpired)
		return
	}

	pnl, ok := d.groupPnL(group)
	if !ok {
		return
	}
	if pnl >= 0 {
		d.logger.Printf("Group %s aggregate PnL %.2f >= 0, closing", group.ID, pnl)
		d.closeGroup(group, models.ConditionProfitTarget, models.GroupClosed)
	}
}

// groupPnL sums broker-reported profit over the group's legs and any
// recovery children hanging off them.
func (d *Detector) groupPnL(group *models.Group) (float64, bool) {
	positions, err := d.broker.GetAllPositions()
	if err != nil {
		d.logger.Printf("Group %s PnL check skipped: %v", group.ID, err)
		return 0, false
	}
	profitByKey := make(map[string]float64, len(positions))
	for _, pos := range positions {
		profitByKey[tracker.Key(pos.Ticket, pos.Symbol)] = pos.Profit + pos.Swap
	}

	var total float64
	for _, key := range d.groupKeys(group) {
		total += profitByKey[key]
	}
	return total, true
}

// groupKeys returns the tracking keys of the group's legs plus the full
// recovery subtree below each leg.
func (d *Detector) groupKeys(group *models.Group) []string {
	var keys []string
	var walk func(key string)
	walk = func(key string) {
		keys = append(keys, key)
		if rec, ok := d.tracker.Get(key); ok {
			for _, child := range rec.Children {
				walk(child)
			}
		}
	}
	for _, pos := range group.Positions {
		walk(tracker.Key(pos.Ticket, string(pos.Pair)))
	}
	return keys
}

// closeGroup flattens the group's legs and recovery children, records the
// realized result and resumes detection.
func (d *Detector) closeGroup(group *models.Group, condition string, terminal models.GroupStatus) {
	if err := group.Transition(models.GroupClosing, condition); err != nil {
		d.logger.Printf("WARNING: group %s: %v", group.ID, err)
		return
	}

	var realized float64
	for _, key := range d.groupKeys(group) {
		rec, ok := d.tracker.Get(key)
		if !ok {
			continue
		}
		res, err := d.closeTicket(rec.Ticket)
		if err != nil {
			d.logger.Printf("WARNING: closing %s in group %s: %v", key, group.ID, err)
			continue
		}
		realized += res.RealizedPnL
		d.tracker.Remove(key)
	}

	if err := group.Transition(terminal, models.ConditionLegsFlat); err != nil {
		d.logger.Printf("WARNING: group %s: %v", group.ID, err)
	}
	group.RealizedPnL = realized

	d.state.mu.Lock()
	d.state.active = nil
	d.state.paused = false
	d.state.closedGroups++
	d.state.totalPnL += realized
	err := d.state.persistLocked()
	d.state.mu.Unlock()
	if err != nil {
		d.logger.Printf("WARNING: persisting group state: %v", err)
	}

	d.logger.Printf("Group %s %s (%s): realized %.2f, detection resumed", group.ID, group.Status, condition, realized)
}
