package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/tracker"
)

func (f *fixture) detect(t *testing.T) *models.Opportunity {
	t.Helper()
	f.seedMispricedTriangle()
	op := f.det.DetectOnce()
	require.NotNil(t, op)
	return op
}

func TestExecuteGroupFullSuccess(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	group, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)
	require.NotNil(t, group)

	assert.Equal(t, models.GroupActive, group.Status)
	assert.True(t, group.IsComplete())
	assert.True(t, f.det.Paused())
	require.Len(t, f.mb.PlacedOrders, 3)

	// Comments carry the group tag and every leg shares the group magic.
	for _, req := range f.mb.PlacedOrders {
		assert.Contains(t, req.Comment, "ARB_"+group.ID+"_")
		assert.Equal(t, int64(77000+group.Seq), req.Magic)
	}

	// Every leg is tracked as an ORIGINAL.
	for _, pos := range group.Positions {
		rec, ok := f.tr.Get(tracker.Key(pos.Ticket, string(pos.Pair)))
		require.True(t, ok)
		assert.Equal(t, tracker.RoleOriginal, rec.Role)
		assert.Equal(t, group.ID, rec.GroupID)
	}
}

func TestExecuteGroupPartialFailureKeepsSurvivors(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	f.mb.QueueOrderResult(&broker.OrderResult{Success: true, Ticket: 9001, RetCode: broker.RetDone, Price: 1.0850})
	f.mb.QueueOrderResult(&broker.OrderResult{Success: true, Ticket: 9002, RetCode: broker.RetDone, Price: 150.00})
	f.mb.QueueOrderResult(&broker.OrderResult{Success: false, RetCode: broker.RetMarketClosed})

	_, err := f.det.ExecuteGroup(op)
	require.Error(t, err)

	// No rollback: the two survivors stay open and tracked.
	assert.Len(t, f.mb.ClosedTickets, 0)
	_, ok := f.tr.Get(tracker.Key(9001, "EURUSD"))
	assert.True(t, ok)
	_, ok = f.tr.Get(tracker.Key(9002, "USDJPY"))
	assert.True(t, ok)

	// No active group, detection not paused.
	assert.Nil(t, f.det.ActiveGroup())
	assert.False(t, f.det.Paused())
}

func TestExecuteGroupGatedWhilePaused(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	_, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	_, err = f.det.ExecuteGroup(op)
	assert.ErrorIs(t, err, ErrExecutionGated)
	assert.Len(t, f.mb.PlacedOrders, 3)
}

func TestExecuteGroupGatedByOrderInterval(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	f.det.state.mu.Lock()
	f.det.state.lastOrderAt = time.Now()
	f.det.state.mu.Unlock()

	_, err := f.det.ExecuteGroup(op)
	assert.ErrorIs(t, err, ErrExecutionGated)
	assert.Empty(t, f.mb.PlacedOrders)
}

func TestExecuteGroupGatedByDailyCap(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	f.det.state.mu.Lock()
	f.det.state.ordersToday = 48
	f.det.state.ordersDate = time.Now().Format("2006-01-02")
	f.det.state.mu.Unlock()

	_, err := f.det.ExecuteGroup(op)
	assert.ErrorIs(t, err, ErrExecutionGated)
}

func TestDailyCapResetsOnDateRollover(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)

	f.det.state.mu.Lock()
	f.det.state.ordersToday = 50
	f.det.state.ordersDate = "2026-08-25"
	f.det.state.mu.Unlock()

	group, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)
	assert.NotNil(t, group)
}

func TestMonitorGroupsClosesAtBreakEven(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)
	group, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	// Mock positions default to zero profit: aggregate is exactly 0.
	f.det.MonitorGroups()

	assert.Nil(t, f.det.ActiveGroup())
	assert.False(t, f.det.Paused())
	assert.Len(t, f.mb.ClosedTickets, 3)
	for _, ticket := range group.Tickets() {
		assert.Contains(t, f.mb.ClosedTickets, ticket)
	}
	_, closed, _ := f.det.Totals()
	assert.Equal(t, 1, closed)
}

func TestMonitorGroupsKeepsLosingGroupOpen(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)
	_, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	for i := range f.mb.Positions {
		f.mb.Positions[i].Profit = -7.5
	}

	f.det.MonitorGroups()

	assert.NotNil(t, f.det.ActiveGroup())
	assert.True(t, f.det.Paused())
	assert.Empty(t, f.mb.ClosedTickets)
}

func TestMonitorGroupsExpiresOldGroup(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)
	_, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	for i := range f.mb.Positions {
		f.mb.Positions[i].Profit = -7.5
	}
	f.det.state.mu.Lock()
	f.det.state.active.CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	f.det.state.mu.Unlock()

	f.det.MonitorGroups()

	assert.Nil(t, f.det.ActiveGroup())
	assert.False(t, f.det.Paused())
	assert.Len(t, f.mb.ClosedTickets, 3)
}

func TestMonitorGroupsExpiresAtExactMaxAge(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)
	_, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	for i := range f.mb.Positions {
		f.mb.Positions[i].Profit = -7.5
	}
	// Pin the clock so the group is exactly max age old: the boundary
	// itself must already expire.
	f.det.state.mu.Lock()
	created := f.det.state.active.CreatedAt
	f.det.state.mu.Unlock()
	f.det.now = func() time.Time { return created.Add(24 * time.Hour) }

	f.det.MonitorGroups()

	assert.Nil(t, f.det.ActiveGroup())
	assert.False(t, f.det.Paused())
}

func TestGroupStateSurvivesRestart(t *testing.T) {
	f := newFixture(t, []string{"EURUSD", "USDJPY", "EURJPY"})
	op := f.detect(t)
	group, err := f.det.ExecuteGroup(op)
	require.NoError(t, err)

	reloaded, err := New(f.mb, f.det.mapper, f.tr, f.det.advisor, testConfig(), f.det.state.filePath, nil)
	require.NoError(t, err)

	assert.True(t, reloaded.Paused())
	restored := reloaded.ActiveGroup()
	require.NotNil(t, restored)
	assert.Equal(t, group.ID, restored.ID)
	assert.Equal(t, group.Tickets(), restored.Tickets())
}
