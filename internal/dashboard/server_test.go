package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
	"github.com/mwalcott/triarb/internal/recovery"
	"github.com/mwalcott/triarb/internal/tracker"
)

type stubEngine struct {
	paused bool
	group  *models.Group
}

func (s stubEngine) Paused() bool               { return s.paused }
func (s stubEngine) ActiveGroup() *models.Group { return s.group }
func (s stubEngine) Totals() (int, int, float64) {
	return 7, 5, 42.5
}

type stubBook struct{ records []tracker.Record }

func (s stubBook) All() []tracker.Record { return s.records }
func (s stubBook) Stats() tracker.Stats {
	return tracker.Stats{Originals: len(s.records)}
}

type stubRecoveries struct{ active []recovery.ActiveRecovery }

func (s stubRecoveries) ActiveRecoveries() []recovery.ActiveRecovery { return s.active }
func (s stubRecoveries) Stats() recovery.Stats {
	return recovery.Stats{TotalRecoveries: len(s.active)}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestServer(t *testing.T, mb *broker.MockBroker, eng stubEngine) *httptest.Server {
	t.Helper()
	srv := NewServer(
		Config{Listen: "127.0.0.1:0"},
		mb,
		eng,
		stubBook{records: []tracker.Record{{Ticket: 100, Symbol: "EURUSD"}}},
		stubRecoveries{active: []recovery.ActiveRecovery{{HedgeKey: "200_USDCHF"}}},
		func() models.Regime { return models.RegimeTrending },
		quietLogger(),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, broker.NewMockBroker(), stubEngine{})

	var body map[string]any
	getJSON(t, ts.URL+"/api/health", &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.Balance = 12500
	ts := newTestServer(t, mb, stubEngine{paused: true})

	var body statusResponse
	getJSON(t, ts.URL+"/api/status", &body)
	assert.Equal(t, "trending", body.Regime)
	assert.True(t, body.Paused)
	assert.Equal(t, 7, body.GroupsOpened)
	assert.Equal(t, 5, body.GroupsClosed)
	assert.Equal(t, 42.5, body.RealizedPnL)
	assert.Equal(t, 12500.0, body.Balance)
}

func TestStatusEndpointSurvivesBrokerOutage(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.AccountErr = broker.ErrBrokerUnavailable
	ts := newTestServer(t, mb, stubEngine{})

	var body statusResponse
	getJSON(t, ts.URL+"/api/status", &body)
	assert.Zero(t, body.Balance)
	assert.Equal(t, 7, body.GroupsOpened)
}

func TestTrackerEndpoint(t *testing.T) {
	ts := newTestServer(t, broker.NewMockBroker(), stubEngine{})

	var body trackerResponse
	getJSON(t, ts.URL+"/api/tracker", &body)
	assert.Equal(t, 1, body.Stats.Originals)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "EURUSD", body.Orders[0].Symbol)
}

func TestRecoveriesEndpoint(t *testing.T) {
	ts := newTestServer(t, broker.NewMockBroker(), stubEngine{})

	var body recoveriesResponse
	getJSON(t, ts.URL+"/api/recoveries", &body)
	assert.Equal(t, 1, body.Stats.TotalRecoveries)
	require.Len(t, body.Active, 1)
	assert.Equal(t, "200_USDCHF", body.Active[0].HedgeKey)
}
