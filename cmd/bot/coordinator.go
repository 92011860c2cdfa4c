package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/config"
	"github.com/mwalcott/triarb/internal/detector"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/recovery"
)

// arbitrageEngine is the slice of the detector the coordinator drives.
type arbitrageEngine interface {
	SetRegime(models.Regime)
	SetSizing(models.SizingParams)
	Paused() bool
	DetectOnce() *models.Opportunity
	ExecuteGroup(op *models.Opportunity) (*models.Group, error)
	MonitorGroups()
}

// recoveryEngine is the slice of the recovery manager the coordinator drives.
type recoveryEngine interface {
	SetSizing(models.SizingParams)
	ScanAndRecover(ctx context.Context)
	Monitor()
	CheckRebalance() []recovery.RebalanceAction
}

// regimeSource classifies the market once per tick.
type regimeSource interface {
	Refresh() (models.Regime, error)
	Current() models.Regime
}

// orderBook reconciles tracked orders against the terminal.
type orderBook interface {
	SyncWithBroker(b broker.Broker) error
}

// Coordinator runs the per-tick trading cycle: account refresh, regime
// classification, regime-ordered arbitrage and recovery, then monitoring
// and reconciliation. Positions are never cut at a loss; losers wait for
// hedged recovery or group-level break-even.
type Coordinator struct {
	broker   broker.Broker
	arb      arbitrageEngine
	recovery recoveryEngine
	regime   regimeSource
	book     orderBook
	logger   *log.Logger

	tick       time.Duration
	baseBal    float64
	basePipVal float64
}

func newCoordinator(b broker.Broker, arb arbitrageEngine, rec recoveryEngine, reg regimeSource, book orderBook, cfg *config.Config, logger *log.Logger) *Coordinator {
	return &Coordinator{
		broker:     b,
		arb:        arb,
		recovery:   rec,
		regime:     reg,
		book:       book,
		logger:     logger,
		tick:       cfg.Schedule.TickInterval.Std(),
		baseBal:    cfg.Sizing.LotCalculation.BaseBalance,
		basePipVal: cfg.Sizing.LotCalculation.TargetPipValue,
	}
}

// Run ticks immediately, then on the configured interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle is one trading tick.
func (c *Coordinator) runCycle(ctx context.Context) {
	sizing, ok := c.refreshAccount()
	if !ok {
		// Half-known account state must not size orders. Trading waits
		// for the next tick; the book still reconciles.
		c.syncBook()
		return
	}
	c.arb.SetSizing(sizing)
	c.recovery.SetSizing(sizing)

	regime, err := c.regime.Refresh()
	if err != nil {
		regime = c.regime.Current()
		c.logger.Printf("Regime refresh failed, keeping %s: %v", regime, err)
	}
	c.arb.SetRegime(regime)

	if actions := c.recovery.CheckRebalance(); len(actions) > 0 {
		for _, a := range actions {
			c.logger.Printf("Exposure alert: %s net %.2f lots (%.0f%% of book)", a.Currency, a.Exposure, a.Severity*100)
		}
	}

	// Regime decides what trades first: in turbulent markets repairing
	// losers beats opening new groups.
	switch regime {
	case models.RegimeVolatile:
		c.recovery.ScanAndRecover(ctx)
		c.tryArbitrage()
	case models.RegimeRanging:
		c.tryArbitrage()
	default: // trending, normal
		c.tryArbitrage()
		c.recovery.ScanAndRecover(ctx)
	}

	c.arb.MonitorGroups()
	c.recovery.Monitor()
	c.syncBook()

	c.logger.Printf("Tick done: regime=%s balance=%.2f equity=%.2f paused=%t",
		regime, sizing.Balance, sizing.Equity, c.arb.Paused())
}

// EmergencyStop flattens every open position sequentially. The engine never
// cuts losers on its own; this is the explicit operator override.
func (c *Coordinator) EmergencyStop(ctx context.Context) error {
	positions, err := c.broker.GetAllPositionsCtx(ctx)
	if err != nil {
		return err
	}
	c.logger.Printf("EMERGENCY STOP: closing %d positions", len(positions))

	var failed int
	for _, pos := range positions {
		res, err := c.broker.ClosePosition(pos.Ticket)
		if err != nil {
			failed++
			c.logger.Printf("WARNING: closing %d %s: %v", pos.Ticket, pos.Symbol, err)
			continue
		}
		c.logger.Printf("Closed %d %s: %.2f", pos.Ticket, pos.Symbol, res.RealizedPnL)
	}
	c.syncBook()
	if failed > 0 {
		return errors.New("emergency stop left positions open, check the terminal")
	}
	return nil
}

// refreshAccount snapshots the account and derives sizing from it.
func (c *Coordinator) refreshAccount() (models.SizingParams, bool) {
	balance, err := c.broker.GetAccountBalance()
	if err != nil {
		c.logger.Printf("Account refresh failed (balance): %v", err)
		return models.SizingParams{}, false
	}
	equity, err := c.broker.GetAccountEquity()
	if err != nil {
		c.logger.Printf("Account refresh failed (equity): %v", err)
		return models.SizingParams{}, false
	}
	margin, err := c.broker.GetFreeMargin()
	if err != nil {
		c.logger.Printf("Account refresh failed (margin): %v", err)
		return models.SizingParams{}, false
	}

	baseBal := c.baseBal
	if baseBal <= 0 {
		baseBal = 10000
	}
	multiplier := balance / baseBal
	return models.SizingParams{
		Balance:           balance,
		Equity:            equity,
		FreeMargin:        margin,
		BalanceMultiplier: multiplier,
		TargetPipValue:    c.basePipVal * multiplier,
	}, true
}

func (c *Coordinator) tryArbitrage() {
	if c.arb.Paused() {
		return
	}
	op := c.arb.DetectOnce()
	if op == nil {
		return
	}
	group, err := c.arb.ExecuteGroup(op)
	if err != nil {
		if errors.Is(err, detector.ErrExecutionGated) {
			c.logger.Printf("Opportunity %s gated: %v", op.ID, err)
		} else {
			c.logger.Printf("Opportunity %s execution failed: %v", op.ID, err)
		}
		return
	}
	c.logger.Printf("Group %s opened on %s (%.4f%% potential)", group.ID, op.Triangle.Key(), op.ProfitPct)
}

func (c *Coordinator) syncBook() {
	if err := c.book.SyncWithBroker(c.broker); err != nil {
		c.logger.Printf("Order sync failed: %v", err)
	}
}
