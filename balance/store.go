/*
store.go - Persistence Gateway contract

PURPOSE:
  The engine never writes a balance directly. Every change goes through a
  compare-and-swap: the caller names the version it read, and the write
  is rejected with ErrVersionConflict if anyone else wrote in between.

CAS CONTRACT:
  CompareAndSwap(id, expectedVersion, patch)
    - ErrBalanceNotFound if no balance exists for id
    - *VersionConflictError (errors.Is ErrVersionConflict) on mismatch
    - otherwise appends patch.NewTransactions, sets the totals and bumps
      Version by exactly one, all in a single atomic write

  A rejected write leaves the stored balance untouched. Callers re-read
  and re-run the calculator; because it is idempotent the retry
  converges without duplicating or losing transactions.

IMPLEMENTATIONS:
  - balance/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite
*/
package balance

import (
	"context"
	"fmt"
)

// Patch is the change applied by a successful CompareAndSwap.
type Patch struct {
	NewTransactions []Transaction
	Amount          Tonnage
	AvailableAmount Tonnage
}

// RoundingCorrection is the input to Gateway.ApplyRoundingCorrection.
// The corrected totals are only valid for the version they were
// computed from.
type RoundingCorrection struct {
	AccreditationID          string
	ExpectedVersion          int64
	CorrectedAmount          Tonnage
	CorrectedAvailableAmount Tonnage
}

// Gateway is the balance store.
type Gateway interface {
	// FindByAccreditationID returns nil, nil when no balance exists.
	FindByAccreditationID(ctx context.Context, accreditationID string) (*WasteBalance, error)

	// FindAll returns every balance, ordered by accreditation id.
	FindAll(ctx context.Context) ([]WasteBalance, error)

	// Create stores a new balance. Fails with ErrBalanceExists.
	Create(ctx context.Context, b WasteBalance) (*WasteBalance, error)

	// CompareAndSwap is the only way to change an existing balance.
	CompareAndSwap(ctx context.Context, accreditationID string, expectedVersion int64, patch Patch) (*WasteBalance, error)

	// ApplyRoundingCorrection appends a ROUNDING_CORRECTION transaction
	// setting both totals to the corrected values and bumps the version.
	// Same CAS contract as CompareAndSwap on c.ExpectedVersion.
	ApplyRoundingCorrection(ctx context.Context, c RoundingCorrection) (*WasteBalance, error)
}

// RecordSource supplies the source records behind a balance.
type RecordSource interface {
	RecordsForAccreditation(ctx context.Context, organisationID, accreditationID string) ([]SourceRecord, error)
}

// AccreditationSource supplies validity windows.
type AccreditationSource interface {
	// FindAccreditation returns nil, nil when the accreditation is unknown.
	FindAccreditation(ctx context.Context, accreditationID string) (*Accreditation, error)
}

// CheckPatch validates patch against the balance it will be applied to.
// Stores call it inside their write so a malformed patch never lands.
func CheckPatch(current WasteBalance, patch Patch) error {
	for _, tx := range patch.NewTransactions {
		if err := tx.Validate(); err != nil {
			return err
		}
	}
	if n := len(patch.NewTransactions); n > 0 {
		last := patch.NewTransactions[n-1]
		if !last.ClosingAmount.Equal(patch.Amount) || !last.ClosingAvailableAmount.Equal(patch.AvailableAmount) {
			return &InvariantError{TransactionID: last.ID, Detail: "patch totals do not match last closing totals"}
		}
		first := patch.NewTransactions[0]
		if !first.OpeningAmount.Equal(current.Amount) || !first.OpeningAvailableAmount.Equal(current.AvailableAmount) {
			return &InvariantError{TransactionID: first.ID, Detail: "patch does not open at the stored totals"}
		}
		// Balances that already drifted past amount can still be written,
		// as long as the patch does not widen the gap.
		gap := patch.AvailableAmount.Sub(patch.Amount)
		if gap.IsPositive() && gap.GreaterThan(current.AvailableAmount.Sub(current.Amount)) {
			return &InvariantError{TransactionID: last.ID,
				Detail: fmt.Sprintf("available amount %s would exceed amount %s", patch.AvailableAmount, patch.Amount)}
		}
	}
	return nil
}
