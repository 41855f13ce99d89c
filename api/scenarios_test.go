/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the balance in the expected state.
	They double as integration tests of service + SQLite store.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waste-balance-engine/balance"
)

func TestScenario_ExporterBasic(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	// WHEN: Loading three exporter rows, one via interim site, one with PRN issued
	acc, err := env.handler.loadExporterBasicScenario(ctx)
	require.NoError(t, err)

	// THEN: 10.5 direct + 3.25 interim; the PRN row never counts
	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)
	require.Len(t, b.Transactions, 2)
	assertTonnage(t, "13.75", b.Amount)
	assertTonnage(t, "13.75", b.AvailableAmount)
	assert.Equal(t, int64(1), b.Version)
	assert.NoError(t, b.Validate())

	for _, tx := range b.Transactions {
		assert.Equal(t, balance.TxCredit, tx.Type)
		assert.False(t, tx.References("row-3"))
	}
}

func TestScenario_ExporterBasic_LoadTwiceIsIdempotent(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	acc, err := env.handler.loadExporterBasicScenario(ctx)
	require.NoError(t, err)
	_, err = env.handler.loadExporterBasicScenario(ctx)
	require.NoError(t, err)

	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)
	assert.Len(t, b.Transactions, 2)
	assert.Equal(t, int64(1), b.Version)
}

func TestScenario_CorrectedRecord(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	acc, err := env.handler.loadCorrectedRecordScenario(ctx)
	require.NoError(t, err)

	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)
	require.Len(t, b.Transactions, 2)

	// THEN: One DEBIT of the difference, linked to both versions
	debit := b.Transactions[1]
	assert.Equal(t, balance.TxDebit, debit.Type)
	assertTonnage(t, "1.25", debit.Amount)
	require.Len(t, debit.Entities, 1)
	assert.Equal(t, "v2", debit.Entities[0].CurrentVersionID)
	assert.Equal(t, []string{"v1"}, debit.Entities[0].PreviousVersionIDs)
	assertTonnage(t, "11.15", b.Amount)
}

func TestScenario_Reprocessor(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	acc, err := env.handler.loadReprocessorScenario(ctx)
	require.NoError(t, err)

	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)

	// THEN: 42.1 + 18.33; the row dated before the window is excluded
	require.Len(t, b.Transactions, 2)
	assertTonnage(t, "60.43", b.Amount)
	assert.Equal(t, balance.EntityWasteRecordReceived, b.Transactions[0].Entities[0].Type)
	assert.Equal(t, balance.EntityWasteRecordProcessed, b.Transactions[1].Entities[0].Type)
}

func TestScenario_PrnLifecycle(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	acc, err := env.handler.loadPrnLifecycleScenario(ctx)
	require.NoError(t, err)

	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)
	assert.NoError(t, b.Validate())

	// 13.75 reconciled; prn-1 (5.5) issued; prn-2 (2) ring-fenced then released
	assertTonnage(t, "8.25", b.Amount)
	assertTonnage(t, "8.25", b.AvailableAmount)
	require.Len(t, b.Transactions, 6)

	types := make([]balance.TransactionType, 0, len(b.Transactions))
	for _, tx := range b.Transactions[2:] {
		types = append(types, tx.Type)
	}
	assert.Equal(t, []balance.TransactionType{
		balance.TxPendingDebit, balance.TxPendingDebit, balance.TxIssuedDebit, balance.TxPendingRelease,
	}, types)

	// A later recalculation leaves PRN transactions alone
	_, txs, err := env.handler.Service.Recalculate(ctx, acc, nil)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestScenario_DriftedBalance_SweepCorrectsIt(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	acc, err := env.handler.loadDriftedBalanceScenario(ctx)
	require.NoError(t, err)

	// WHEN: The sweep runs
	result := env.handler.Scheduler.RunNow(ctx, false)
	require.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, 1, result.Summary.Corrected)

	// THEN: A ROUNDING_CORRECTION snaps it to 2dp
	b, err := env.handler.Service.Balance(ctx, acc)
	require.NoError(t, err)
	assertTonnage(t, "537.52", b.Amount)
	assertTonnage(t, "537.52", b.AvailableAmount)
	last := b.Transactions[len(b.Transactions)-1]
	assert.Equal(t, balance.TxRoundingCorrection, last.Type)
	assertTonnage(t, "0.0000000000001", last.Amount)

	// Loading it again refuses to overwrite
	_, err = env.handler.loadDriftedBalanceScenario(ctx)
	assert.ErrorIs(t, err, balance.ErrBalanceExists)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	env := setupTestHandler(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			b := decode[balance.WasteBalance](t, rec)
			assert.NotEmpty(t, b.Transactions)

			current := env.do(t, http.MethodGet, "/api/scenarios/current", nil)
			assert.Equal(t, s.ID, decode[ScenarioDTO](t, current).ID)
		})
	}

	rec := env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
