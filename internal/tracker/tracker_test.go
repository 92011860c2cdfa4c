package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "order_tracking.json"), nil)
	require.NoError(t, err)
	return tr
}

func original(ticket int64, symbol string) Record {
	return Record{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      models.SideBuy,
		Volume:    0.10,
		OpenPrice: 1.0850,
		OpenedAt:  time.Now().UTC(),
	}
}

func TestRegisterOriginal(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))

	rec, ok := tr.Get("100_EURUSD")
	require.True(t, ok)
	assert.Equal(t, RoleOriginal, rec.Role)
	assert.Equal(t, StatusNotHedged, rec.Status)
	assert.False(t, tr.IsHedged("100_EURUSD"))
}

func TestRegisterOriginalRejectsDuplicates(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	err := tr.RegisterOriginal(original(100, "EURUSD"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRegisterRecoveryMarksParentHedged(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	assert.True(t, tr.IsHedged("100_EURUSD"))
	hedge, ok := tr.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, RoleRecovery, hedge.Role)
	assert.Equal(t, "100_EURUSD", hedge.HedgingFor)

	parent, _ := tr.Get("100_EURUSD")
	assert.Equal(t, []string{"200_USDCHF"}, parent.Children)
}

func TestRegisterRecoveryRequiresParent(t *testing.T) {
	tr := newTestTracker(t)
	err := tr.RegisterRecovery("999_EURUSD", original(200, "USDCHF"), 3)
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestRegisterRecoveryEnforcesChainDepth(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 2))
	require.NoError(t, tr.RegisterRecovery("200_USDCHF", original(300, "EURCHF"), 2))

	// A third link would make the chain depth 3.
	err := tr.RegisterRecovery("300_EURCHF", original(400, "GBPUSD"), 2)
	assert.ErrorIs(t, err, ErrChainTooDeep)

	assert.Equal(t, 0, tr.ChainDepth("100_EURUSD"))
	assert.Equal(t, 1, tr.ChainDepth("200_USDCHF"))
	assert.Equal(t, 2, tr.ChainDepth("300_EURCHF"))
}

func TestRemoveLastRecoveryRevertsParent(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	tr.Remove("200_USDCHF")
	assert.False(t, tr.IsHedged("100_EURUSD"))
	parent, _ := tr.Get("100_EURUSD")
	assert.Equal(t, StatusNotHedged, parent.Status)
	assert.Empty(t, parent.Children)
}

func TestRemoveParentOrphansChildren(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	tr.Remove("100_EURUSD")
	hedge, ok := tr.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, StatusOrphaned, hedge.Status)
}

func TestUnhedgedIncludesRecoveries(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	unhedged := tr.Unhedged()
	require.Len(t, unhedged, 1)
	assert.Equal(t, "200_USDCHF", unhedged[0].Key())
	assert.True(t, tr.NeedsRecovery("200_USDCHF"))
	assert.False(t, tr.NeedsRecovery("100_EURUSD"))
}

func TestUnhedgedIncludesOrphans(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	tr.Remove("100_EURUSD")
	unhedged := tr.Unhedged()
	require.Len(t, unhedged, 1)
	assert.Equal(t, StatusOrphaned, unhedged[0].Status)
	assert.True(t, tr.NeedsRecovery("200_USDCHF"))
}

func TestStats(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterOriginal(original(101, "USDJPY")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	s := tr.Stats()
	assert.Equal(t, 2, s.Originals)
	assert.Equal(t, 1, s.Recoveries)
	assert.Equal(t, 1, s.Hedged)
	assert.Equal(t, 0, s.Orphaned)
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order_tracking.json")
	tr1, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, tr1.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr1.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	tr2, err := New(path, nil)
	require.NoError(t, err)
	assert.True(t, tr2.IsHedged("100_EURUSD"))
	hedge, ok := tr2.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, "100_EURUSD", hedge.HedgingFor)
}

func TestMalformedRecordsSkippedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order_tracking.json")
	body := `{
  "order_tracking": {
    "100_EURUSD": {"ticket": 100, "symbol": "EURUSD", "role": "ORIGINAL", "status": "NOT_HEDGED"},
    "bad_record": {"ticket": "not a number"}
  },
  "stats": {},
  "saved_at": "2026-08-01T00:00:00Z"
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tr, err := New(path, nil)
	require.NoError(t, err)
	_, ok := tr.Get("100_EURUSD")
	assert.True(t, ok)
	assert.Len(t, tr.All(), 1)
}

func TestCorruptStateFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order_tracking.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	tr, err := New(path, nil)
	require.NoError(t, err)
	assert.Empty(t, tr.All())
}

func brokerPos(ticket int64, symbol, comment string) broker.Position {
	return broker.Position{
		Ticket:   ticket,
		Symbol:   symbol,
		Side:     models.SideBuy,
		Volume:   0.10,
		OpenTime: time.Now().UTC(),
		Comment:  comment,
	}
}

func TestSyncAdoptsUnknownPositions(t *testing.T) {
	tr := newTestTracker(t)
	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{
		brokerPos(100, "EURUSD", "ARB_G7_EURUSD"),
		brokerPos(300, "GBPUSD", "manual trade"),
	}

	require.NoError(t, tr.SyncWithBroker(mb))

	arb, ok := tr.Get("100_EURUSD")
	require.True(t, ok)
	assert.Equal(t, RoleOriginal, arb.Role)
	assert.Equal(t, "G7", arb.GroupID)

	manual, ok := tr.Get("300_GBPUSD")
	require.True(t, ok)
	assert.Equal(t, RoleOriginal, manual.Role)
	assert.Equal(t, StatusNotHedged, manual.Status)
}

func TestSyncAdoptsRecoveryByComment(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))

	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{
		brokerPos(100, "EURUSD", ""),
		brokerPos(200, "USDCHF", "R100_EURUSD"),
	}

	require.NoError(t, tr.SyncWithBroker(mb))

	hedge, ok := tr.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, RoleRecovery, hedge.Role)
	assert.Equal(t, "100_EURUSD", hedge.HedgingFor)
	assert.True(t, tr.IsHedged("100_EURUSD"))
}

func TestSyncAdoptsParentAndRecoveryTogether(t *testing.T) {
	// Both legs of a hedge pair are unknown at once, e.g. after losing the
	// state file. Adoption must link them no matter which one the position
	// map yields first, so run the sync against many fresh trackers.
	for i := 0; i < 30; i++ {
		tr := newTestTracker(t)
		mb := broker.NewMockBroker()
		mb.Positions = []broker.Position{
			brokerPos(100, "EURUSD", "ARB_G1_EURUSD"),
			brokerPos(200, "USDCHF", "R100_EURUSD"),
		}

		require.NoError(t, tr.SyncWithBroker(mb))

		hedge, ok := tr.Get("200_USDCHF")
		require.True(t, ok)
		assert.Equal(t, StatusNotHedged, hedge.Status)
		assert.Equal(t, "100_EURUSD", hedge.HedgingFor)
		assert.True(t, tr.IsHedged("100_EURUSD"))
	}
}

func TestSyncRelinksOrphanWhenParentAppears(t *testing.T) {
	tr := newTestTracker(t)
	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{
		brokerPos(200, "USDCHF", "R100_EURUSD"),
	}
	require.NoError(t, tr.SyncWithBroker(mb))

	hedge, ok := tr.Get("200_USDCHF")
	require.True(t, ok)
	require.Equal(t, StatusOrphaned, hedge.Status)

	// The parent shows up on a later sync (terminal lag, manual reopen).
	mb.Positions = append(mb.Positions, brokerPos(100, "EURUSD", "ARB_G1_EURUSD"))
	require.NoError(t, tr.SyncWithBroker(mb))

	hedge, ok = tr.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, StatusNotHedged, hedge.Status)
	assert.Equal(t, "100_EURUSD", hedge.HedgingFor)
	assert.True(t, tr.IsHedged("100_EURUSD"))
}

func TestSyncOrphansRecoveryWithUnknownParent(t *testing.T) {
	tr := newTestTracker(t)
	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{
		brokerPos(200, "USDCHF", "R999_EURUSD"),
		brokerPos(201, "EURCHF", "RECOVERY_EURUSD_old"),
	}

	require.NoError(t, tr.SyncWithBroker(mb))

	byComment, ok := tr.Get("200_USDCHF")
	require.True(t, ok)
	assert.Equal(t, StatusOrphaned, byComment.Status)

	legacy, ok := tr.Get("201_EURCHF")
	require.True(t, ok)
	assert.Equal(t, RoleRecovery, legacy.Role)
	assert.Equal(t, StatusOrphaned, legacy.Status)
}

func TestSyncRemovesClosedPositions(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))
	require.NoError(t, tr.RegisterRecovery("100_EURUSD", original(200, "USDCHF"), 3))

	// Broker only reports the original: the hedge was closed externally.
	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{brokerPos(100, "EURUSD", "")}

	require.NoError(t, tr.SyncWithBroker(mb))

	_, ok := tr.Get("200_USDCHF")
	assert.False(t, ok)
	assert.False(t, tr.IsHedged("100_EURUSD"))
}

func TestSyncAbortsWithoutMutationOnBrokerFailure(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))

	mb := broker.NewMockBroker()
	mb.PositionsErr = broker.ErrBrokerUnavailable

	err := tr.SyncWithBroker(mb)
	require.Error(t, err)
	// The tracked book is untouched.
	_, ok := tr.Get("100_EURUSD")
	assert.True(t, ok)
	assert.Len(t, tr.All(), 1)
}

func TestSyncIsIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RegisterOriginal(original(100, "EURUSD")))

	mb := broker.NewMockBroker()
	mb.Positions = []broker.Position{
		brokerPos(100, "EURUSD", ""),
		brokerPos(200, "USDCHF", "R100_EURUSD"),
	}

	require.NoError(t, tr.SyncWithBroker(mb))
	require.NoError(t, tr.SyncWithBroker(mb))

	parent, _ := tr.Get("100_EURUSD")
	assert.Equal(t, []string{"200_USDCHF"}, parent.Children)
	assert.Len(t, tr.All(), 2)
}
