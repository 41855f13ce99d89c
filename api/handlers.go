/*
handlers.go - HTTP API handlers for the waste balance engine

PURPOSE:
  Exposes the balance service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the balance package.

ENDPOINTS:
  Balances:
    GET    /api/balances/{accreditationId}                      Balance with ledger
    POST   /api/balances/{accreditationId}/recalculate          Reconcile against records

  PRNs:
    POST   /api/balances/{accreditationId}/prns                 Ring-fence tonnage
    POST   /api/balances/{accreditationId}/prns/{prnId}/issue   Settle on issue
    POST   /api/balances/{accreditationId}/prns/{prnId}/cancel  Release on cancel

  Source data (summary-log importer):
    PUT    /api/accreditations/{accreditationId}                Register window
    PUT    /api/accreditations/{accreditationId}/records/{recordId}

  Admin:
    POST   /api/admin/rounding-correction?dryRun=true           Run the sweep now
    GET    /api/admin/rounding-correction/status                Scheduler status

  Scenarios:
    GET    /api/scenarios                                       List demo scenarios
    POST   /api/scenarios/load                                  Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient available tonnage
  - 404: Balance or accreditation not found
  - 409: Version conflict after retries, balance already exists
  - 422: Record template or field mapping misconfigured
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The API is expected to sit behind the platform
  gateway, which authenticates callers and passes userId through.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Rounding correction scheduler
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/fieldmap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// SourceStore accepts source data from the summary-log importer.
type SourceStore interface {
	SaveRecord(ctx context.Context, r balance.SourceRecord) error
	SaveAccreditation(ctx context.Context, a balance.Accreditation) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *balance.Service
	Sources   SourceStore
	Scheduler *RoundingScheduler
	Logger    zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(service *balance.Service, sources SourceStore, scheduler *RoundingScheduler) *Handler {
	return &Handler{
		Service:   service,
		Sources:   sources,
		Scheduler: scheduler,
		Logger:    service.Logger,
	}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the balance and its full ledger.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.Balance(r.Context(), chi.URLParam(r, "accreditationId"))
	if err != nil {
		h.writeDomainError(w, "Failed to load waste balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Recalculate reconciles the balance with the accreditation's records.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, txs, err := h.Service.Recalculate(r.Context(), chi.URLParam(r, "accreditationId"), userSummary(req.UserID))
	if err != nil {
		h.writeDomainError(w, "Failed to recalculate waste balance", err)
		return
	}
	if txs == nil {
		txs = []balance.Transaction{}
	}
	writeJSON(w, http.StatusOK, RecalculateResponse{Balance: b, NewTransactions: txs})
}

// =============================================================================
// PRN HANDLERS
// =============================================================================

// RingFence reserves tonnage for a new PRN.
func (h *Handler) RingFence(w http.ResponseWriter, r *http.Request) {
	var req RingFenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Service.RingFence(r.Context(), balance.PrnRequest{
		AccreditationID: chi.URLParam(r, "accreditationId"),
		PrnID:           req.PrnID,
		Tonnage:         req.Tonnage,
		UserID:          req.UserID,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to ring-fence tonnage", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// IssuePrn settles a ring-fenced PRN.
func (h *Handler) IssuePrn(w http.ResponseWriter, r *http.Request) {
	h.prnStep(w, r, "Failed to issue PRN", h.Service.Issue)
}

// CancelPrn releases a ring-fenced PRN.
func (h *Handler) CancelPrn(w http.ResponseWriter, r *http.Request) {
	h.prnStep(w, r, "Failed to cancel PRN", h.Service.Cancel)
}

func (h *Handler) prnStep(
	w http.ResponseWriter,
	r *http.Request,
	message string,
	step func(context.Context, balance.PrnRequest) (*balance.WasteBalance, error),
) {
	var req PrnStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := step(r.Context(), balance.PrnRequest{
		AccreditationID: chi.URLParam(r, "accreditationId"),
		PrnID:           chi.URLParam(r, "prnId"),
		Tonnage:         req.Tonnage,
		UserID:          req.UserID,
	})
	if err != nil {
		h.writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// SOURCE DATA HANDLERS
// =============================================================================

// PutAccreditation registers or replaces an accreditation window.
func (h *Handler) PutAccreditation(w http.ResponseWriter, r *http.Request) {
	var req AccreditationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	from, ok := fieldmap.ParseDate(req.ValidFrom)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid validFrom date", nil)
		return
	}
	to, ok := fieldmap.ParseDate(req.ValidTo)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid validTo date", nil)
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "validTo is before validFrom", nil)
		return
	}

	acc := balance.Accreditation{
		ID:             chi.URLParam(r, "accreditationId"),
		OrganisationID: req.OrganisationID,
		ValidFrom:      from,
		ValidTo:        to,
	}
	if err := h.Sources.SaveAccreditation(r.Context(), acc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save accreditation", err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// PutWasteRecord stores a summary-log row. It does not recalculate.
func (h *Handler) PutWasteRecord(w http.ResponseWriter, r *http.Request) {
	var req WasteRecordRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	templates := h.Service.Templates
	if templates == nil {
		templates = fieldmap.Default()
	}
	if _, err := templates.Lookup(req.Template); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Unknown record template", err)
		return
	}

	rec := balance.SourceRecord{
		ID:              chi.URLParam(r, "recordId"),
		Template:        req.Template,
		Data:            req.Data,
		Versions:        req.Versions,
		OrganisationID:  req.OrganisationID,
		AccreditationID: chi.URLParam(r, "accreditationId"),
		UpdatedBy:       req.UpdatedBy,
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	if err := h.Sources.SaveRecord(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save waste record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunRoundingCorrection runs the sweep immediately, under the same lock
// as the scheduler.
func (h *Handler) RunRoundingCorrection(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dryRun"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid dryRun parameter", err)
			return
		}
		dryRun = parsed
	}

	result := h.Scheduler.RunNow(r.Context(), dryRun)
	status := http.StatusOK
	switch result.Status {
	case RunSkipped:
		status = http.StatusConflict
	case RunFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// GetRoundingStatus returns the scheduler mode and recent runs.
func (h *Handler) GetRoundingStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.Recent(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}
	writeJSON(w, http.StatusOK, RoundingStatusResponse{
		Mode:       string(h.Scheduler.Mode),
		Interval:   h.Scheduler.Interval.String(),
		LastRun:    h.Scheduler.Last(),
		RecentRuns: runs,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps balance errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case balance.IsNotFound(err):
		return http.StatusNotFound
	case balance.IsRetryable(err), errors.Is(err, balance.ErrBalanceExists):
		return http.StatusConflict
	case balance.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	case balance.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func userSummary(id string) *balance.UserSummary {
	if id == "" {
		return nil
	}
	return &balance.UserSummary{ID: id, Name: id}
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Code = errorCode(err)
	}
	writeJSON(w, status, resp)
}

// errorCode is a stable machine-readable code for known errors.
func errorCode(err error) string {
	switch {
	case errors.Is(err, balance.ErrBalanceNotFound):
		return "BALANCE_NOT_FOUND"
	case errors.Is(err, balance.ErrAccreditationNotFound):
		return "ACCREDITATION_NOT_FOUND"
	case errors.Is(err, balance.ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, balance.ErrBalanceExists):
		return "BALANCE_EXISTS"
	case errors.Is(err, balance.ErrInsufficientAvailable):
		return "INSUFFICIENT_AVAILABLE"
	case errors.Is(err, balance.ErrInvalidTonnage):
		return "INVALID_TONNAGE"
	case errors.Is(err, balance.ErrPrnNotRingFenced):
		return "PRN_NOT_RING_FENCED"
	case errors.Is(err, fieldmap.ErrUnknownTemplate):
		return "UNKNOWN_TEMPLATE"
	case errors.Is(err, fieldmap.ErrUnknownField):
		return "UNKNOWN_FIELD"
	}
	return ""
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}
