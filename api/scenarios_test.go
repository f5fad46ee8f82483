/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Documents are created and approved through the coordinator
	- Balances and reservations match the scenario description
	- Reconciliation stays balanced after loading

These tests double as integration tests of the HTTP surface.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) balances(t *testing.T, product, warehouse string) []BalanceDetailDTO {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/balances?product="+product+"&warehouse="+warehouse, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[[]BalanceDetailDTO](t, rec)
}

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ScenarioDTO](t, rec)
	assert.Len(t, list, len(scenarios))
	for _, s := range list {
		_, ok := ts.handler.scenarioLoaders()[s.ID]
		assert.True(t, ok, "scenario %s has no loader", s.ID)
	}
}

func TestScenario_ReceiveAndIssue(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "receive-and-issue")

	rows := ts.balances(t, "WIDGET", "WH-MAIN")
	require.Len(t, rows, 1)
	assertQty(t, "90", rows[0].Booked)
	assertQty(t, "24", rows[0].ReservedOut)
	assertQty(t, "66", rows[0].Available)

	rec := ts.do(t, http.MethodGet, "/api/documents/ISS-0002", nil)
	assert.Equal(t, "DRAFT", decodeBody[DocumentDTO](t, rec).Status)
}

func TestScenario_WarehouseTransfer(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "warehouse-transfer")

	source := ts.balances(t, "GADGET", "WH-MAIN")
	require.Len(t, source, 1)
	assertQty(t, "24", source[0].Booked)

	east := ts.balances(t, "GADGET", "WH-EAST")
	require.Len(t, east, 1)
	assert.Equal(t, "R-01", east[0].LocationCode)
	assertQty(t, "24", east[0].Booked)
}

func TestScenario_LotExpiry(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "lot-expiry")

	rows := ts.balances(t, "SYRUP", "WH-MAIN")
	require.Len(t, rows, 1)
	assertQty(t, "39000", rows[0].Booked)
	require.Len(t, rows[0].Lots, 2)

	var booked []string
	for _, l := range rows[0].Lots {
		booked = append(booked, l.Booked.String())
	}
	assert.ElementsMatch(t, []string{"9000", "30000"}, booked)
}

func TestScenario_OverReservation(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "over-reservation")

	rows := ts.balances(t, "WIDGET", "WH-MAIN")
	require.Len(t, rows, 1)
	assertQty(t, "0", rows[0].Available)

	rec := ts.do(t, http.MethodGet, "/api/documents/ISS-0002", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_StayReconciled(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t)
			ts.loadScenario(t, s.ID)

			rec := ts.do(t, http.MethodGet, "/api/reconciliation", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			for _, r := range decodeBody[[]ReconciliationDTO](t, rec) {
				assert.True(t, r.Balanced, "%s/%s diverged", r.ProductCode, r.WarehouseCode)
			}
		})
	}
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "lot-expiry")
	ts.loadScenario(t, "receive-and-issue")

	assert.Empty(t, ts.balances(t, "SYRUP", "WH-MAIN"))

	rec := ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "receive-and-issue", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "receive-and-issue")

	rec := ts.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, ts.balances(t, "WIDGET", "WH-MAIN"))
	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}
