/*
handlers_test.go - HTTP tests for the balance API

Tests for:
- Source data ingest and recalculation over HTTP
- PRN lifecycle endpoints
- Error to status mapping
- Manual rounding correction and status
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/fieldmap"
)

func seedAccreditation(t *testing.T, env *testEnv, id string) {
	t.Helper()
	rec := env.do(t, http.MethodPut, "/api/accreditations/"+id, AccreditationRequest{
		OrganisationID: "org-1",
		ValidFrom:      "2025-01-01",
		ValidTo:        "2025-12-31",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func exporterRow(date, tonnage string, versions ...string) WasteRecordRequest {
	cols := fieldmap.Exporter{}.Columns()
	vs := make([]balance.RecordVersion, len(versions))
	for i, v := range versions {
		vs[i] = balance.RecordVersion{ID: v, Status: "submitted"}
	}
	return WasteRecordRequest{
		OrganisationID: "org-1",
		Template:       "exporter",
		Versions:       vs,
		Data: map[string]any{
			cols[fieldmap.DispatchDate]:  date,
			cols[fieldmap.PrnIssued]:     "no",
			cols[fieldmap.InterimSite]:   "no",
			cols[fieldmap.ExportTonnage]: tonnage,
		},
	}
}

func TestRecalculate_CreditsThenConvergesOnCorrection(t *testing.T) {
	env := setupTestHandler(t)
	seedAccreditation(t, env, "acc-1")

	// GIVEN: One record for 10.00
	rec := env.do(t, http.MethodPut, "/api/accreditations/acc-1/records/r1", exporterRow("2025-03-01", "10.00", "v1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Recalculating
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", RecalculateRequest{UserID: "u-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[RecalculateResponse](t, rec)

	// THEN: One CREDIT of 10
	require.Len(t, first.NewTransactions, 1)
	assert.Equal(t, balance.TxCredit, first.NewTransactions[0].Type)
	assertTonnage(t, "10", first.Balance.Amount)

	// WHEN: Recalculating again with nothing changed
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[RecalculateResponse](t, rec)

	// THEN: Nothing is appended
	assert.Empty(t, again.NewTransactions)
	assert.Equal(t, first.Balance.Version, again.Balance.Version)

	// WHEN: The record is corrected to 12.5
	env.do(t, http.MethodPut, "/api/accreditations/acc-1/records/r1", exporterRow("2025-03-01", "12.5", "v1", "v2"))
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	corrected := decode[RecalculateResponse](t, rec)

	// THEN: Only the 2.5 difference is credited
	require.Len(t, corrected.NewTransactions, 1)
	assertTonnage(t, "2.5", corrected.NewTransactions[0].Amount)
	assertTonnage(t, "12.5", corrected.Balance.Amount)

	// AND: Audit events were published for the two writes only
	published := env.events.Events()
	require.Len(t, published, 2)
	assert.Equal(t, "recalculate", published[0].Action)
	assert.Equal(t, "u-1", published[0].User.ID)
}

func TestRecalculate_NumericTonnageSurvivesStorage(t *testing.T) {
	env := setupTestHandler(t)
	seedAccreditation(t, env, "acc-1")

	// GIVEN: Tonnages sent as JSON numbers whose float sum drifts
	for i, id := range []string{"r1", "r2", "r3"} {
		row := exporterRow("2025-03-01", "", "v1")
		row.Data[fieldmap.Exporter{}.Columns()[fieldmap.ExportTonnage]] = []float64{0.1, 0.2, 0.3}[i]
		rec := env.do(t, http.MethodPut, "/api/accreditations/acc-1/records/"+id, row)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: Exactly 0.6, not 0.6000000000000001
	assertTonnage(t, "0.6", decode[RecalculateResponse](t, rec).Balance.Amount)
}

func TestGetBalance(t *testing.T) {
	env := setupTestHandler(t)
	seedAccreditation(t, env, "acc-1")
	env.do(t, http.MethodPut, "/api/accreditations/acc-1/records/r1", exporterRow("2025-03-01", "4.2", "v1"))
	env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", nil)

	rec := env.do(t, http.MethodGet, "/api/balances/acc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[balance.WasteBalance](t, rec)
	assert.Equal(t, "acc-1", b.AccreditationID)
	assert.Equal(t, "org-1", b.OrganisationID)
	assertTonnage(t, "4.2", b.AvailableAmount)
	assert.Contains(t, rec.Body.String(), `"amount":"4.2"`)
}

func TestErrorStatuses(t *testing.T) {
	env := setupTestHandler(t)
	seedAccreditation(t, env, "acc-1")

	// A record with an unregistered template slips in through the store
	require.NoError(t, env.store.SaveRecord(context.Background(), balance.SourceRecord{
		ID: "bad", Template: "legacy-template", AccreditationID: "acc-2", OrganisationID: "org-1",
		Data: map[string]any{},
	}))
	env.do(t, http.MethodPut, "/api/accreditations/acc-2", AccreditationRequest{
		OrganisationID: "org-1", ValidFrom: "2025-01-01", ValidTo: "2025-12-31",
	})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown balance", http.MethodGet, "/api/balances/missing", nil, http.StatusNotFound, "BALANCE_NOT_FOUND"},
		{"unknown accreditation", http.MethodPost, "/api/balances/missing/recalculate", nil, http.StatusNotFound, "ACCREDITATION_NOT_FOUND"},
		{"unknown template on ingest", http.MethodPut, "/api/accreditations/acc-1/records/r9", WasteRecordRequest{Template: "nope"}, http.StatusUnprocessableEntity, "UNKNOWN_TEMPLATE"},
		{"unknown template on recalculate", http.MethodPost, "/api/balances/acc-2/recalculate", nil, http.StatusUnprocessableEntity, "UNKNOWN_TEMPLATE"},
		{"bad accreditation dates", http.MethodPut, "/api/accreditations/acc-3", AccreditationRequest{ValidFrom: "soon", ValidTo: "later"}, http.StatusBadRequest, ""},
		{"ring-fence without balance", http.MethodPost, "/api/balances/acc-1/prns", RingFenceRequest{PrnID: "p1", Tonnage: balance.MustParseTonnage("1")}, http.StatusNotFound, "BALANCE_NOT_FOUND"},
		{"bad dryRun", http.MethodPost, "/api/admin/rounding-correction?dryRun=maybe", nil, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestPrnEndpoints(t *testing.T) {
	env := setupTestHandler(t)
	seedAccreditation(t, env, "acc-1")
	env.do(t, http.MethodPut, "/api/accreditations/acc-1/records/r1", exporterRow("2025-03-01", "100", "v1"))
	env.do(t, http.MethodPost, "/api/balances/acc-1/recalculate", nil)

	// Ring-fence 30
	rec := env.do(t, http.MethodPost, "/api/balances/acc-1/prns", RingFenceRequest{PrnID: "prn-1", Tonnage: balance.MustParseTonnage("30")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decode[balance.WasteBalance](t, rec)
	assertTonnage(t, "100", b.Amount)
	assertTonnage(t, "70", b.AvailableAmount)

	// More than is available is refused
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns", RingFenceRequest{PrnID: "prn-2", Tonnage: balance.MustParseTonnage("70.01")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_AVAILABLE", decode[ErrorResponse](t, rec).Code)

	// Zero tonnage is refused
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns", RingFenceRequest{PrnID: "prn-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TONNAGE", decode[ErrorResponse](t, rec).Code)

	// Issuing a PRN that holds nothing is refused
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns/prn-9/issue", PrnStepRequest{Tonnage: balance.MustParseTonnage("25")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PRN_NOT_RING_FENCED", decode[ErrorResponse](t, rec).Code)

	// Issue settles against amount
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns/prn-1/issue", PrnStepRequest{Tonnage: balance.MustParseTonnage("30")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b = decode[balance.WasteBalance](t, rec)
	assertTonnage(t, "70", b.Amount)
	assertTonnage(t, "70", b.AvailableAmount)

	// Retried issue is a no-op
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns/prn-1/issue", PrnStepRequest{Tonnage: balance.MustParseTonnage("30")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b.Version, decode[balance.WasteBalance](t, rec).Version)

	// Ring-fence and cancel
	env.do(t, http.MethodPost, "/api/balances/acc-1/prns", RingFenceRequest{PrnID: "prn-4", Tonnage: balance.MustParseTonnage("5")})
	rec = env.do(t, http.MethodPost, "/api/balances/acc-1/prns/prn-4/cancel", PrnStepRequest{Tonnage: balance.MustParseTonnage("5")})
	require.Equal(t, http.StatusOK, rec.Code)
	b = decode[balance.WasteBalance](t, rec)
	assertTonnage(t, "70", b.AvailableAmount)
	assert.NoError(t, b.Validate())
}

func TestRoundingCorrectionEndpoints(t *testing.T) {
	env := setupTestHandler(t)
	_, err := env.handler.loadDriftedBalanceScenario(context.Background())
	require.NoError(t, err)

	// Dry run reports, writes nothing
	rec := env.do(t, http.MethodPost, "/api/admin/rounding-correction?dryRun=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"wouldCorrect":1`)
	assert.Contains(t, rec.Body.String(), `"dryRun":true`)

	b := decode[balance.WasteBalance](t, env.do(t, http.MethodGet, "/api/balances/acc-demo-drifted", nil))
	assertTonnage(t, "537.5199999999999", b.Amount)

	// Real run corrects
	rec = env.do(t, http.MethodPost, "/api/admin/rounding-correction", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"corrected":1`)

	// Second run finds nothing
	rec = env.do(t, http.MethodPost, "/api/admin/rounding-correction", nil)
	assert.Contains(t, rec.Body.String(), `"corrected":0`)

	// Status lists the three runs, newest first
	rec = env.do(t, http.MethodGet, "/api/admin/rounding-correction/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[RoundingStatusResponse](t, rec)
	assert.Equal(t, "disabled", status.Mode)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, RunCompleted, status.LastRun.Status)
	require.Len(t, status.RecentRuns, 3)
	assert.Equal(t, "dry-run", status.RecentRuns[2].Mode)
}

func TestHealthz(t *testing.T) {
	env := setupTestHandler(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}
