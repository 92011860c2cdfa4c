package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/config"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/recovery"
)

// callRecorder collects the order of engine calls across the stub slices.
type callRecorder struct {
	calls []string
}

func (r *callRecorder) note(name string) { r.calls = append(r.calls, name) }

type stubArb struct {
	rec    *callRecorder
	paused bool
	op     *models.Opportunity
	sizing models.SizingParams
	regime models.Regime
}

func (s *stubArb) SetRegime(r models.Regime)          { s.regime = r }
func (s *stubArb) SetSizing(p models.SizingParams)    { s.sizing = p }
func (s *stubArb) Paused() bool                       { return s.paused }
func (s *stubArb) MonitorGroups()                     { s.rec.note("monitor_groups") }
func (s *stubArb) DetectOnce() *models.Opportunity {
	s.rec.note("detect")
	return s.op
}
func (s *stubArb) ExecuteGroup(op *models.Opportunity) (*models.Group, error) {
	s.rec.note("execute")
	return &models.Group{ID: "G1"}, nil
}

type stubRecovery struct {
	rec     *callRecorder
	sizing  models.SizingParams
	actions []recovery.RebalanceAction
}

func (s *stubRecovery) SetSizing(p models.SizingParams) { s.sizing = p }
func (s *stubRecovery) ScanAndRecover(context.Context)  { s.rec.note("recover") }
func (s *stubRecovery) Monitor()                        { s.rec.note("monitor_recovery") }
func (s *stubRecovery) CheckRebalance() []recovery.RebalanceAction {
	return s.actions
}

type stubRegime struct {
	regime models.Regime
	err    error
}

func (s stubRegime) Refresh() (models.Regime, error) { return s.regime, s.err }
func (s stubRegime) Current() models.Regime          { return s.regime }

type stubBook struct{ rec *callRecorder }

func (s stubBook) SyncWithBroker(broker.Broker) error {
	s.rec.note("sync")
	return nil
}

func coordConfig() *config.Config {
	return &config.Config{
		Schedule: config.ScheduleConfig{
			TickInterval:       config.Duration(30 * time.Second),
			CorrelationRefresh: config.Duration(5 * time.Minute),
		},
		Sizing: config.SizingConfig{
			LotCalculation: config.LotCalculationConfig{
				BaseBalance:    10000,
				TargetPipValue: 5.0,
			},
		},
	}
}

type coordFixture struct {
	coord *Coordinator
	rec   *callRecorder
	arb   *stubArb
	recov *stubRecovery
	mb    *broker.MockBroker
}

func newCoordFixture(t *testing.T, regime models.Regime) *coordFixture {
	t.Helper()
	rec := &callRecorder{}
	arb := &stubArb{rec: rec}
	recov := &stubRecovery{rec: rec}
	mb := broker.NewMockBroker()
	logger := log.New(io.Discard, "", 0)
	coord := newCoordinator(mb, arb, recov, stubRegime{regime: regime}, stubBook{rec: rec}, coordConfig(), logger)
	return &coordFixture{coord: coord, rec: rec, arb: arb, recov: recov, mb: mb}
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func TestCycleVolatileRecoversBeforeArbitrage(t *testing.T) {
	f := newCoordFixture(t, models.RegimeVolatile)
	f.coord.runCycle(context.Background())

	recover, detect := indexOf(f.rec.calls, "recover"), indexOf(f.rec.calls, "detect")
	require.NotEqual(t, -1, recover)
	require.NotEqual(t, -1, detect)
	assert.Less(t, recover, detect)
}

func TestCycleTrendingArbitrageFirst(t *testing.T) {
	f := newCoordFixture(t, models.RegimeTrending)
	f.coord.runCycle(context.Background())

	recover, detect := indexOf(f.rec.calls, "recover"), indexOf(f.rec.calls, "detect")
	require.NotEqual(t, -1, recover)
	require.NotEqual(t, -1, detect)
	assert.Less(t, detect, recover)
}

func TestCycleRangingSkipsRecoveryEntries(t *testing.T) {
	f := newCoordFixture(t, models.RegimeRanging)
	f.coord.runCycle(context.Background())

	assert.Equal(t, -1, indexOf(f.rec.calls, "recover"))
	assert.NotEqual(t, -1, indexOf(f.rec.calls, "detect"))
	// Monitoring still runs: existing hedges are never abandoned.
	assert.NotEqual(t, -1, indexOf(f.rec.calls, "monitor_recovery"))
}

func TestCycleAlwaysEndsWithMonitoringAndSync(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.coord.runCycle(context.Background())

	n := len(f.rec.calls)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, []string{"monitor_groups", "monitor_recovery", "sync"}, f.rec.calls[n-3:])
}

func TestCyclePushesSizing(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.mb.Balance = 12500
	f.mb.Equity = 12400
	f.coord.runCycle(context.Background())

	assert.Equal(t, 12500.0, f.arb.sizing.Balance)
	assert.Equal(t, 1.25, f.arb.sizing.BalanceMultiplier)
	assert.Equal(t, 6.25, f.arb.sizing.TargetPipValue)
	assert.Equal(t, f.arb.sizing, f.recov.sizing)
	assert.Equal(t, models.RegimeNormal, f.arb.regime)
}

func TestCycleSkipsTradingOnAccountFailure(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.mb.AccountErr = broker.ErrBrokerUnavailable
	f.coord.runCycle(context.Background())

	// No detection, no recovery, but the book still reconciles.
	assert.Equal(t, []string{"sync"}, f.rec.calls)
}

func TestCycleRespectsPause(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.arb.paused = true
	f.coord.runCycle(context.Background())

	assert.Equal(t, -1, indexOf(f.rec.calls, "detect"))
	assert.NotEqual(t, -1, indexOf(f.rec.calls, "recover"))
}

func TestEmergencyStopFlattensEverything(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.mb.Positions = []broker.Position{
		{Ticket: 1, Symbol: "EURUSD", Profit: -120},
		{Ticket: 2, Symbol: "USDCHF", Profit: 30},
	}

	require.NoError(t, f.coord.EmergencyStop(context.Background()))
	assert.ElementsMatch(t, []int64{1, 2}, f.mb.ClosedTickets)
	assert.NotEqual(t, -1, indexOf(f.rec.calls, "sync"))
}

func TestEmergencyStopReportsFailures(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.mb.Positions = []broker.Position{{Ticket: 1, Symbol: "EURUSD"}}
	f.mb.CloseResults[1] = &broker.CloseResult{Success: false, RetCode: broker.RetMarketClosed}

	assert.Error(t, f.coord.EmergencyStop(context.Background()))
}

func TestCycleExecutesDetectedOpportunity(t *testing.T) {
	f := newCoordFixture(t, models.RegimeNormal)
	f.arb.op = &models.Opportunity{ID: "op-1", ProfitPct: 0.15}
	f.coord.runCycle(context.Background())

	assert.NotEqual(t, -1, indexOf(f.rec.calls, "execute"))
}
