/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Balances and
  transactions are returned as their domain types (they already carry
  camelCase JSON tags and string tonnages); everything a client sends is
  a *Request type here.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Response wrappers

TONNAGE:
  Tonnages are accepted as JSON strings ("12.34") or numbers and always
  returned as strings so no client parses them into a float.

VALIDATION:
  Validation is done in handlers and the balance service, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - balance/types.go: WasteBalance, Transaction
*/
package api

import (
	"time"

	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/store/sqlite"
)

// =============================================================================
// BALANCE
// =============================================================================

// RecalculateRequest is the optional body of a recalculation.
type RecalculateRequest struct {
	UserID string `json:"userId,omitempty"`
}

// RecalculateResponse returns the balance and what was appended.
type RecalculateResponse struct {
	Balance         *balance.WasteBalance `json:"balance"`
	NewTransactions []balance.Transaction `json:"newTransactions"`
}

// RingFenceRequest creates a PRN against the balance.
type RingFenceRequest struct {
	PrnID   string          `json:"prnId"`
	Tonnage balance.Tonnage `json:"tonnage"`
	UserID  string          `json:"userId,omitempty"`
}

// PrnStepRequest issues or cancels an existing PRN.
type PrnStepRequest struct {
	Tonnage balance.Tonnage `json:"tonnage"`
	UserID  string          `json:"userId,omitempty"`
}

// =============================================================================
// SOURCE DATA
// =============================================================================

// AccreditationRequest registers an accreditation window.
type AccreditationRequest struct {
	OrganisationID string `json:"organisationId"`
	ValidFrom      string `json:"validFrom"` // YYYY-MM-DD or RFC 3339
	ValidTo        string `json:"validTo"`
}

// WasteRecordRequest stores one summary-log row.
type WasteRecordRequest struct {
	OrganisationID string                  `json:"organisationId"`
	Template       string                  `json:"template"`
	Data           map[string]any          `json:"data"`
	Versions       []balance.RecordVersion `json:"versions"`
	UpdatedBy      *balance.UserSummary    `json:"updatedBy,omitempty"`
}

// =============================================================================
// ROUNDING CORRECTION
// =============================================================================

// RoundingStatusResponse reports the scheduler state.
type RoundingStatusResponse struct {
	Mode       string            `json:"mode"`
	Interval   string            `json:"interval"`
	LastRun    *SweepResult      `json:"lastRun"`
	RecentRuns []sqlite.SweepRun `json:"recentRuns"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
