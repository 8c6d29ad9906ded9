package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/broker"
)

type fakeBroker struct{ connected bool }

func (f fakeBroker) Connected() bool { return f.connected }
func (f fakeBroker) Status() broker.Status {
	return broker.Status{Reachable: f.connected, Subscribed: f.connected}
}

type fakeCounter int

func (f fakeCounter) Count() int { return int(f) }

func serve(t *testing.T, c *Checker) (*httptest.ResponseRecorder, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return rec, report
}

func TestHealthyNode(t *testing.T) {
	rec, report := serve(t, NewChecker("node-1", fakeBroker{connected: true}, fakeCounter(3)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "node-1", report.Node)
	assert.Equal(t, 3, report.Connections)
	assert.True(t, report.Broker.Subscribed)
}

func TestDegradedNodeReturns503(t *testing.T) {
	rec, report := serve(t, NewChecker("node-1", fakeBroker{}, fakeCounter(0)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusDegraded, report.Status)
}
