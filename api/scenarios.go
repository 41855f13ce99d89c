/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the database with realistic
	data for demos and manual testing. Each scenario registers an
	accreditation, stores summary-log records and then drives the balance
	service exactly as the importer and PRN service would.

AVAILABLE SCENARIOS:
	exporter-basic:   Exporter records, one via an interim site, one with PRN issued
	corrected-record: A record is resubmitted with a lower tonnage (DEBIT of the difference)
	reprocessor:      Reprocessor input and output records
	prn-lifecycle:    Ring-fence, issue and cancel against a reconciled balance
	drifted-balance:  A legacy balance carrying float drift, for the rounding sweep

HOW SCENARIOS WORK:
 1. Register accreditation (upsert)
 2. Store waste records (upsert)
 3. Recalculate the balance
 4. Optionally apply PRN steps or record corrections

USAGE VIA API:
	POST /api/scenarios/load
	{"scenarioId": "exporter-basic"}

NOTE:
	Scenarios never delete. Loading one twice is harmless except for
	drifted-balance, which refuses to overwrite an existing balance.

SEE ALSO:
  - handlers.go: Route handlers
  - balance/service.go: Recalculate, RingFence
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/fieldmap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "exporter-basic",
		Name:        "Exporter Basic",
		Description: "Three exported loads: direct, via interim site, and one already covered by a PRN",
	},
	{
		ID:          "corrected-record",
		Name:        "Corrected Record",
		Description: "A load is resubmitted with a lower tonnage; only the difference is debited",
	},
	{
		ID:          "reprocessor",
		Name:        "Reprocessor",
		Description: "Reprocessor input and output loads, one dated outside the accreditation",
	},
	{
		ID:          "prn-lifecycle",
		Name:        "PRN Lifecycle",
		Description: "Ring-fence two PRNs, issue one and cancel the other",
	},
	{
		ID:          "drifted-balance",
		Name:        "Drifted Balance",
		Description: "Legacy balance with floating-point drift for the rounding-correction sweep",
	},
}

const (
	demoOrganisation = "org-demo"
	demoYear         = 2025
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a demo scenario and returns the resulting balance.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var (
		accreditationID string
		err             error
	)
	switch req.ScenarioID {
	case "exporter-basic":
		accreditationID, err = h.loadExporterBasicScenario(ctx)
	case "corrected-record":
		accreditationID, err = h.loadCorrectedRecordScenario(ctx)
	case "reprocessor":
		accreditationID, err = h.loadReprocessorScenario(ctx)
	case "prn-lifecycle":
		accreditationID, err = h.loadPrnLifecycleScenario(ctx)
	case "drifted-balance":
		accreditationID, err = h.loadDriftedBalanceScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	b, err := h.Service.Balance(ctx, accreditationID)
	if err != nil {
		h.writeDomainError(w, "Failed to load waste balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadExporterBasicScenario(ctx context.Context) (string, error) {
	const acc = "acc-demo-exporter"
	if err := h.saveDemoAccreditation(ctx, acc); err != nil {
		return "", err
	}

	records := []balance.SourceRecord{
		exporterRecord(acc, "row-1", "2025-03-14", "no", "10.5", "", "v1"),
		exporterRecord(acc, "row-2", "2025-04-02", "no", "20", "3.25", "v1"),
		// PRN already issued: never counts
		withPrnIssued(exporterRecord(acc, "row-3", "2025-05-20", "no", "7.75", "", "v1")),
	}
	if err := h.saveRecords(ctx, records); err != nil {
		return "", err
	}

	_, _, err := h.Service.Recalculate(ctx, acc, nil)
	return acc, err
}

func (h *Handler) loadCorrectedRecordScenario(ctx context.Context) (string, error) {
	const acc = "acc-demo-corrected"
	if err := h.saveDemoAccreditation(ctx, acc); err != nil {
		return "", err
	}

	original := exporterRecord(acc, "row-1", "2025-06-01", "no", "12.40", "", "v1")
	if err := h.saveRecords(ctx, []balance.SourceRecord{original}); err != nil {
		return "", err
	}
	if _, _, err := h.Service.Recalculate(ctx, acc, nil); err != nil {
		return "", err
	}

	// Resubmitted: 12.40 -> 11.15 yields a single DEBIT of 1.25
	corrected := exporterRecord(acc, "row-1", "2025-06-01", "no", "11.15", "", "v1", "v2")
	if err := h.saveRecords(ctx, []balance.SourceRecord{corrected}); err != nil {
		return "", err
	}
	_, _, err := h.Service.Recalculate(ctx, acc, nil)
	return acc, err
}

func (h *Handler) loadReprocessorScenario(ctx context.Context) (string, error) {
	const acc = "acc-demo-reprocessor"
	if err := h.saveDemoAccreditation(ctx, acc); err != nil {
		return "", err
	}

	input := fieldmap.ReprocessorInput{}.Columns()
	output := fieldmap.ReprocessorOutput{}.Columns()
	records := []balance.SourceRecord{
		{
			ID: "in-1", Template: fieldmap.ReprocessorInput{}.Name(),
			AccreditationID: acc, OrganisationID: demoOrganisation,
			Versions: []balance.RecordVersion{{ID: "v1", Status: "created"}},
			Data: map[string]any{
				input[fieldmap.DispatchDate]:  "2025-02-10",
				input[fieldmap.PrnIssued]:     "No",
				input[fieldmap.ExportTonnage]: "42.1",
			},
		},
		{
			ID: "out-1", Template: fieldmap.ReprocessorOutput{}.Name(),
			AccreditationID: acc, OrganisationID: demoOrganisation,
			Versions: []balance.RecordVersion{{ID: "v1", Status: "created"}},
			Data: map[string]any{
				output[fieldmap.DispatchDate]:  "2025-02-28",
				output[fieldmap.ExportTonnage]: "18.33",
			},
		},
		{
			// Dated before the accreditation window
			ID: "in-2", Template: fieldmap.ReprocessorInput{}.Name(),
			AccreditationID: acc, OrganisationID: demoOrganisation,
			Versions: []balance.RecordVersion{{ID: "v1", Status: "created"}},
			Data: map[string]any{
				input[fieldmap.DispatchDate]:  "2024-12-31",
				input[fieldmap.PrnIssued]:     "no",
				input[fieldmap.ExportTonnage]: "5",
			},
		},
	}
	if err := h.saveRecords(ctx, records); err != nil {
		return "", err
	}

	_, _, err := h.Service.Recalculate(ctx, acc, nil)
	return acc, err
}

func (h *Handler) loadPrnLifecycleScenario(ctx context.Context) (string, error) {
	acc, err := h.loadExporterBasicScenario(ctx)
	if err != nil {
		return "", err
	}

	steps := []struct {
		run func(context.Context, balance.PrnRequest) (*balance.WasteBalance, error)
		req balance.PrnRequest
	}{
		{h.Service.RingFence, balance.PrnRequest{AccreditationID: acc, PrnID: "prn-1", Tonnage: balance.MustParseTonnage("5.5"), UserID: "demo"}},
		{h.Service.RingFence, balance.PrnRequest{AccreditationID: acc, PrnID: "prn-2", Tonnage: balance.MustParseTonnage("2"), UserID: "demo"}},
		{h.Service.Issue, balance.PrnRequest{AccreditationID: acc, PrnID: "prn-1", Tonnage: balance.MustParseTonnage("5.5"), UserID: "demo"}},
		{h.Service.Cancel, balance.PrnRequest{AccreditationID: acc, PrnID: "prn-2", Tonnage: balance.MustParseTonnage("2"), UserID: "demo"}},
	}
	for _, s := range steps {
		if _, err := s.run(ctx, s.req); err != nil {
			return "", fmt.Errorf("prn %s: %w", s.req.PrnID, err)
		}
	}
	return acc, nil
}

func (h *Handler) loadDriftedBalanceScenario(ctx context.Context) (string, error) {
	const acc = "acc-demo-drifted"
	if err := h.saveDemoAccreditation(ctx, acc); err != nil {
		return "", err
	}

	// Written by the float-based implementation this engine replaced.
	drifted := balance.MustParseTonnage("537.5199999999999")
	b := balance.NewWasteBalance(acc, demoOrganisation)
	b.Amount = drifted
	b.AvailableAmount = drifted
	b.Transactions = []balance.Transaction{{
		ID:                     "legacy-1",
		Type:                   balance.TxCredit,
		CreatedAt:              time.Date(demoYear, 1, 15, 9, 0, 0, 0, time.UTC),
		Amount:                 drifted,
		OpeningAmount:          balance.Zero,
		ClosingAmount:          drifted,
		OpeningAvailableAmount: balance.Zero,
		ClosingAvailableAmount: drifted,
		Entities: []balance.TransactionEntity{{
			ID: "legacy-row", Type: balance.EntityWasteRecordExported,
			CurrentVersionID: "v1", PreviousVersionIDs: []string{},
		}},
	}}

	if _, err := h.Service.Gateway.Create(ctx, b); err != nil {
		return "", err
	}
	return acc, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveDemoAccreditation(ctx context.Context, id string) error {
	return h.Sources.SaveAccreditation(ctx, balance.Accreditation{
		ID:             id,
		OrganisationID: demoOrganisation,
		ValidFrom:      time.Date(demoYear, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:        time.Date(demoYear, 12, 31, 0, 0, 0, 0, time.UTC),
	})
}

func (h *Handler) saveRecords(ctx context.Context, records []balance.SourceRecord) error {
	for _, r := range records {
		if err := h.Sources.SaveRecord(ctx, r); err != nil {
			return fmt.Errorf("save record %s: %w", r.ID, err)
		}
	}
	return nil
}

// exporterRecord builds an exporter row. A non-empty interim tonnage marks
// the load as having passed an interim site.
func exporterRecord(acc, id, date, prnIssued, tonnage, interimTonnage string, versions ...string) balance.SourceRecord {
	cols := fieldmap.Exporter{}.Columns()
	data := map[string]any{
		cols[fieldmap.DispatchDate]:  date,
		cols[fieldmap.PrnIssued]:     prnIssued,
		cols[fieldmap.InterimSite]:   "no",
		cols[fieldmap.ExportTonnage]: tonnage,
	}
	if interimTonnage != "" {
		data[cols[fieldmap.InterimSite]] = "yes"
		data[cols[fieldmap.InterimTonnage]] = interimTonnage
	}

	vs := make([]balance.RecordVersion, len(versions))
	for i, v := range versions {
		vs[i] = balance.RecordVersion{ID: v, Status: "submitted"}
	}
	return balance.SourceRecord{
		ID:              id,
		Template:        fieldmap.Exporter{}.Name(),
		Data:            data,
		Versions:        vs,
		OrganisationID:  demoOrganisation,
		AccreditationID: acc,
	}
}

func withPrnIssued(r balance.SourceRecord) balance.SourceRecord {
	r.Data[fieldmap.Exporter{}.Columns()[fieldmap.PrnIssued]] = "yes"
	return r
}
