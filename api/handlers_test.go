/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- School registration and validation errors (422)
- Event entry, duplicate dates (409), foreign event IDs (404)
- Report generation, the existing-report conflict (409 + existing_id)
- Stale listing after a write, and synchronous regeneration
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meal-ledger/api"
	"github.com/warp/meal-ledger/app"
	"github.com/warp/meal-ledger/config"
	"github.com/warp/meal-ledger/events"
	"github.com/warp/meal-ledger/generic/store"
	"github.com/warp/meal-ledger/lock"
	"github.com/warp/meal-ledger/queue"
	"github.com/warp/meal-ledger/report"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	app *app.App
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	a := app.New(config.Config{CascadeForward: true, JobMaxAttempts: 1}, logger,
		store.NewMemory(), queue.NewMemory(), lock.NewLocal(), events.NewDirect())

	h := api.NewHandler(a.Ledger, a.Job, a.Monitor, logger)
	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)
	return &testServer{app: a, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		// Lists decode into nothing here; tests that need them use doList.
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (ts *testServer) doList(t *testing.T, path string) []map[string]any {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// seed registers s1 with an April rice ledger (opening 100, rate 0.1).
func (ts *testServer) seed(t *testing.T) {
	t.Helper()
	status, _ := ts.do(t, http.MethodPost, "/api/schools", map[string]string{"id": "s1", "name": "North Primary"})
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodPut, "/api/schools/s1/periods/2025/4/rice", map[string]any{
		"opening":    map[string]any{"primary": 100, "middle": 0},
		"daily_rate": map[string]any{"primary": 0.1, "middle": 0.15},
	})
	require.Equal(t, http.StatusOK, status, body)
}

func event(date string, primary int) map[string]any {
	return map[string]any{"date": date, "served_primary": primary}
}

// =============================================================================
// SCHOOLS AND EVENTS
// =============================================================================

func TestAPI_Healthz(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateSchool_Validation(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/schools", map[string]string{"id": "s1"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["fields"], "Name")

	status, _ = ts.do(t, http.MethodPost, "/api/schools", map[string]string{"id": "s1", "name": "North"})
	assert.Equal(t, http.StatusCreated, status)
	assert.Len(t, ts.doList(t, "/api/schools"), 1)
}

func TestAPI_Events(t *testing.T) {
	// GIVEN: A school with an April rice ledger
	// WHEN: Serving days are posted, one on a date already taken
	// THEN: The duplicate is a 409 and the summary counts the others

	ts := newTestServer(t)
	ts.seed(t)

	status, created := ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-01", 20))
	require.Equal(t, http.StatusCreated, status, created)
	status, _ = ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-02", 30))
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-01", 5))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Conflict", body["error"])

	status, _ = ts.do(t, http.MethodPost, "/api/schools/s1/events", event("01/04/2025", 5))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-03", -1))
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	assert.Len(t, ts.doList(t, "/api/schools/s1/periods/2025/4/events"), 2)

	status, summary := ts.do(t, http.MethodGet, "/api/schools/s1/summary?year=2025&month=4", nil)
	require.Equal(t, http.StatusOK, status, summary)

	// Another school cannot touch s1's event.
	id := created["id"].(string)
	status, _ = ts.do(t, http.MethodDelete, "/api/schools/s2/events/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodDelete, "/api/schools/s1/events/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Len(t, ts.doList(t, "/api/schools/s1/periods/2025/4/events"), 1)
}

func TestAPI_InvalidPeriod(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPut, "/api/schools/s1/periods/2025/13/rice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RecalcWithoutLedgers(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodPost, "/api/schools/s9/recalc", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["periods"])
}

// =============================================================================
// REPORTS
// =============================================================================

func TestAPI_GenerateReport_ConflictCarriesExistingID(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)
	status, _ := ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-01", 50))
	require.Equal(t, http.StatusCreated, status)

	status, rep := ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/reports", map[string]string{"kind": "rice"})
	require.Equal(t, http.StatusCreated, status, rep)
	assert.Equal(t, false, rep["is_stale"])

	status, body := ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/reports", map[string]string{"kind": "rice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, rep["id"], body["existing_id"])

	status, byID := ts.do(t, http.MethodGet, "/api/reports/"+rep["id"].(string), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rice", byID["kind"])

	status, _ = ts.do(t, http.MethodGet, "/api/schools/s1/periods/2025/4/reports/amount", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = ts.do(t, http.MethodGet, "/api/schools/s1/periods/2025/4/reports/oil", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_AmountReportWithoutRates(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)

	status, body := ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/reports", map[string]string{"kind": "amount"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "/api/schools/s1/periods/2025/4/amount", body["setup"])
}

func TestAPI_StaleThenRegenerate(t *testing.T) {
	// GIVEN: A generated April rice report
	// WHEN: A new serving day is posted
	// THEN: The report shows in the stale listing until regenerate runs

	ts := newTestServer(t)
	ts.seed(t)
	ctx := context.Background()

	status, _ := ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-01", 10))
	require.Equal(t, http.StatusCreated, status)
	status, _ = ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/reports", map[string]string{"kind": "rice"})
	require.Equal(t, http.StatusCreated, status)
	ts.app.Drain(ctx)

	status, _ = ts.do(t, http.MethodPost, "/api/schools/s1/events", event("2025-04-02", 40))
	require.Equal(t, http.StatusCreated, status)

	status, stale := ts.do(t, http.MethodGet, "/api/reports/stale?older_than=0s", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, stale["count"])

	status, regen := ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/regenerate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{string(report.KindRice)}, regen["regenerated"])
	assert.Equal(t, []any{string(report.KindAmount)}, regen["skipped"])

	status, rep := ts.do(t, http.MethodGet, "/api/schools/s1/periods/2025/4/reports/rice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, rep["is_stale"])

	status, stale = ts.do(t, http.MethodGet, "/api/reports/stale?older_than=0s", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, stale["count"])

	status, _ = ts.do(t, http.MethodGet, "/api/reports/stale?older_than=soon", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RegenerateBusyIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)
	locker := lock.NewLocal()
	ts.app.Job.Locker = locker
	held, err := locker.Acquire(context.Background(), "regenerate:s1/2025-04", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	status, body := ts.do(t, http.MethodPost, "/api/schools/s1/periods/2025/4/regenerate", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, true, body["busy"])
}
