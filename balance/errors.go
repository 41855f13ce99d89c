/*
errors.go - Error types for the balance engine

ERROR CATEGORIES:
  1. Configuration errors - unknown template / field mapping (fatal per record)
  2. Concurrency errors   - stale version on write (retry after re-read)
  3. Store errors         - missing or duplicate balances
  4. Validation errors    - ledger invariant violations, bad ring-fence input

Routine exclusions (out-of-window dates, PRN already issued, non-positive
tonnage) are not errors and have no representation here.
*/
package balance

import (
	"errors"
	"fmt"

	"github.com/warp/waste-balance-engine/fieldmap"
)

var (
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the caller's expected version.
	ErrVersionConflict = errors.New("waste balance version conflict")

	// ErrBalanceNotFound is returned when writing to a balance that does not exist.
	ErrBalanceNotFound = errors.New("waste balance not found")

	// ErrBalanceExists is returned by Create when the accreditation already has a balance.
	ErrBalanceExists = errors.New("waste balance already exists")

	// ErrAccreditationNotFound is returned when eligibility cannot be decided.
	ErrAccreditationNotFound = errors.New("accreditation not found")

	ErrUnknownTransactionType = errors.New("unknown transaction type")
	ErrInvariantViolation     = errors.New("ledger invariant violated")
	ErrInvalidTonnage         = errors.New("tonnage must be positive")
	ErrInsufficientAvailable  = errors.New("insufficient available balance")
	ErrInvalidAccreditationID = errors.New("invalid accreditation id")
	ErrInvalidPrnID           = errors.New("prn id is required")

	// ErrPrnNotRingFenced is returned when issuing or cancelling a PRN
	// that has no open ring-fence covering the requested tonnage.
	ErrPrnNotRingFenced = errors.New("prn is not ring-fenced")
)

// VersionConflictError carries the versions that disagreed.
type VersionConflictError struct {
	AccreditationID string
	Expected        int64
	Actual          int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("waste balance %s: expected version %d, found %d",
		e.AccreditationID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// RecordError names the source record whose processing was aborted.
type RecordError struct {
	RecordID string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("waste record %s: %v", e.RecordID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// InvariantError describes a transaction whose closing totals do not
// follow from its opening totals.
type InvariantError struct {
	TransactionID string
	Detail        string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("transaction %s: %s", e.TransactionID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// InsufficientAvailableError reports a ring-fence larger than what is free.
type InsufficientAvailableError struct {
	AccreditationID string
	Available       Tonnage
	Requested       Tonnage
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("insufficient available balance for %s: available %s, requested %s",
		e.AccreditationID, e.Available, e.Requested)
}

func (e *InsufficientAvailableError) Unwrap() error { return ErrInsufficientAvailable }

// PrnRingFenceError reports an issue or cancel that its ring-fence does
// not cover.
type PrnRingFenceError struct {
	AccreditationID string
	PrnID           string
	RingFenced      Tonnage
	Requested       Tonnage
}

func (e *PrnRingFenceError) Error() string {
	return fmt.Sprintf("prn %s on %s: ring-fenced %s, requested %s",
		e.PrnID, e.AccreditationID, e.RingFenced, e.Requested)
}

func (e *PrnRingFenceError) Unwrap() error { return ErrPrnNotRingFenced }

// IsRetryable returns true if re-reading and retrying may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound returns true if a referenced balance or accreditation is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound) || errors.Is(err, ErrAccreditationNotFound)
}

// IsConfigurationError returns true for template / field mapping mistakes.
func IsConfigurationError(err error) bool {
	return errors.Is(err, fieldmap.ErrUnknownTemplate) || errors.Is(err, fieldmap.ErrUnknownField)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTonnage) ||
		errors.Is(err, ErrPrnNotRingFenced) ||
		errors.Is(err, ErrInsufficientAvailable) ||
		errors.Is(err, ErrInvalidAccreditationID) ||
		errors.Is(err, ErrInvalidPrnID)
}
