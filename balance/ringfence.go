/*
ringfence.go - Certificate (PRN) lifecycle against the balance

PURPOSE:
  The issuance workflow reserves tonnage when a PRN is created, settles
  it when the PRN is issued, and gives it back if the PRN is cancelled
  before issue. Each step is one transaction linked to the PRN id and
  written through the same CAS loop as reconciliation.

LIFECYCLE:
  created   PENDING_DEBIT          availableAmount -= tonnage
  issued    ISSUED_DEBIT           amount -= tonnage
  cancelled PENDING_DEBIT_RELEASE  availableAmount += tonnage

  Issue and cancel require an open ring-fence for the PRN covering the
  requested tonnage; a PRN settles or releases at most once.

  None of these count as record allocation, so the calculator never
  "repairs" a ring-fence.

IDEMPOTENCY:
  A step already recorded for the PRN is not recorded again; a retried
  request returns the balance unchanged.
*/
package balance

import (
	"context"
	"fmt"
)

// PrnRequest identifies a certificate lifecycle step.
type PrnRequest struct {
	AccreditationID string
	PrnID           string
	Tonnage         Tonnage
	UserID          string
}

func (r PrnRequest) user() *UserSummary {
	if r.UserID == "" {
		return nil
	}
	return &UserSummary{ID: r.UserID, Name: r.UserID}
}

// RingFence deducts tonnage from availableAmount for a newly created PRN.
func (s *Service) RingFence(ctx context.Context, req PrnRequest) (*WasteBalance, error) {
	return s.prnStep(ctx, "ring_fence", req, TxPendingDebit, EntityPrnCreated, func(b WasteBalance) error {
		if req.Tonnage.GreaterThan(b.AvailableAmount) {
			return &InsufficientAvailableError{
				AccreditationID: b.AccreditationID,
				Available:       b.AvailableAmount,
				Requested:       req.Tonnage,
			}
		}
		return nil
	})
}

// Issue deducts the ring-fenced tonnage from amount once the PRN is issued.
func (s *Service) Issue(ctx context.Context, req PrnRequest) (*WasteBalance, error) {
	return s.prnStep(ctx, "issue", req, TxIssuedDebit, EntityPrnIssued, requireRingFence(req))
}

// Cancel returns ring-fenced tonnage to availableAmount.
func (s *Service) Cancel(ctx context.Context, req PrnRequest) (*WasteBalance, error) {
	return s.prnStep(ctx, "cancel", req, TxPendingRelease, EntityPrnCancelled, requireRingFence(req))
}

// requireRingFence refuses to settle or release more than is still
// ring-fenced for the PRN.
func requireRingFence(req PrnRequest) func(WasteBalance) error {
	return func(b WasteBalance) error {
		fenced, open := openRingFence(b, req.PrnID)
		if !open || req.Tonnage.GreaterThan(fenced) {
			return &PrnRingFenceError{
				AccreditationID: b.AccreditationID,
				PrnID:           req.PrnID,
				RingFenced:      fenced,
				Requested:       req.Tonnage,
			}
		}
		return nil
	}
}

// openRingFence returns the tonnage held for prnID. A PRN that was
// issued or cancelled holds nothing.
func openRingFence(b WasteBalance, prnID string) (Tonnage, bool) {
	fenced, open := Zero, false
	for _, tx := range b.Transactions {
		if !referencesPrn(tx, prnID) {
			continue
		}
		switch tx.Type {
		case TxPendingDebit:
			fenced, open = fenced.Add(tx.Amount), true
		case TxIssuedDebit, TxPendingRelease:
			return Zero, false
		}
	}
	return fenced, open
}

func (s *Service) prnStep(
	ctx context.Context,
	action string,
	req PrnRequest,
	typ TransactionType,
	entity EntityType,
	check func(WasteBalance) error,
) (*WasteBalance, error) {
	id, err := validateAccreditationID(req.AccreditationID)
	if err != nil {
		return nil, err
	}
	if req.PrnID == "" {
		return nil, ErrInvalidPrnID
	}
	if !req.Tonnage.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTonnage, req.Tonnage)
	}

	updated, _, err := s.update(ctx, id, action, req.user(), func(current WasteBalance) ([]Transaction, error) {
		if hasPrnStep(current, req.PrnID, typ) {
			return nil, nil
		}
		if check != nil {
			if err := check(current); err != nil {
				return nil, err
			}
		}
		tx, err := NewTransaction(TransactionSpec{
			Type:      typ,
			Amount:    req.Tonnage,
			Opening:   TotalsOf(current),
			CreatedAt: s.now(),
			CreatedBy: req.user(),
			Entities: []TransactionEntity{{
				ID:                 req.PrnID,
				Type:               entity,
				CurrentVersionID:   req.PrnID,
				PreviousVersionIDs: []string{},
			}},
		})
		if err != nil {
			return nil, err
		}
		return []Transaction{tx}, nil
	})
	return updated, err
}

func hasPrnStep(b WasteBalance, prnID string, typ TransactionType) bool {
	for _, tx := range b.Transactions {
		if tx.Type == typ && referencesPrn(tx, prnID) {
			return true
		}
	}
	return false
}

func referencesPrn(tx Transaction, prnID string) bool {
	for _, e := range tx.Entities {
		if e.ID != prnID {
			continue
		}
		switch e.Type {
		case EntityPrnCreated, EntityPrnIssued, EntityPrnCancelled:
			return true
		}
	}
	return false
}
