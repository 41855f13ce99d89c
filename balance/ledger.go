/*
ledger.go - Transaction construction and ledger invariants

PURPOSE:
  Builds transactions with correct opening/closing totals and checks
  that an existing ledger still satisfies them. The balance aggregate is
  only ever changed by appending one of these transactions.

INVARIANTS (per transaction type):
  CREDIT                closing = opening + amount           (both totals)
  DEBIT                 closing = opening - amount           (both totals)
  PENDING_DEBIT         availableAmount - amount, amount unchanged
  PENDING_DEBIT_RELEASE availableAmount + amount, amount unchanged
  ISSUED_DEBIT          amount - amount, availableAmount unchanged
  ROUNDING_CORRECTION   closing totals are the corrected values; Amount is
                        the signed change to the amount total

  Amount is non-negative for every type except ROUNDING_CORRECTION.

CHAIN:
  Each transaction opens where the previous one closed, and the last
  closing totals equal the balance's stored totals.
*/
package balance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewWasteBalance creates an empty balance at version 0.
func NewWasteBalance(accreditationID, organisationID string) WasteBalance {
	return WasteBalance{
		ID:              uuid.NewString(),
		AccreditationID: accreditationID,
		OrganisationID:  organisationID,
		Amount:          Zero,
		AvailableAmount: Zero,
		Transactions:    []Transaction{},
		Version:         0,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

// Totals is a pair of running balance totals.
type Totals struct {
	Amount          Tonnage
	AvailableAmount Tonnage
}

// TotalsOf returns the stored totals of b.
func TotalsOf(b WasteBalance) Totals {
	return Totals{Amount: b.Amount, AvailableAmount: b.AvailableAmount}
}

// Apply returns the closing totals of a movement of the given type.
// ROUNDING_CORRECTION is not a movement; use NewRoundingCorrection.
func (t Totals) Apply(typ TransactionType, amount Tonnage) (Totals, error) {
	switch typ {
	case TxCredit:
		return Totals{t.Amount.Add(amount), t.AvailableAmount.Add(amount)}, nil
	case TxDebit:
		return Totals{t.Amount.Sub(amount), t.AvailableAmount.Sub(amount)}, nil
	case TxPendingDebit:
		return Totals{t.Amount, t.AvailableAmount.Sub(amount)}, nil
	case TxPendingRelease:
		return Totals{t.Amount, t.AvailableAmount.Add(amount)}, nil
	case TxIssuedDebit:
		return Totals{t.Amount.Sub(amount), t.AvailableAmount}, nil
	case TxRoundingCorrection:
		return t, fmt.Errorf("%w: rounding corrections set totals directly", ErrInvariantViolation)
	default:
		return t, fmt.Errorf("%w: %q", ErrUnknownTransactionType, typ)
	}
}

// TransactionSpec describes a movement to record.
type TransactionSpec struct {
	ID        string
	Type      TransactionType
	Amount    Tonnage
	Opening   Totals
	Entities  []TransactionEntity
	CreatedAt time.Time
	CreatedBy *UserSummary
}

// NewTransaction builds a movement transaction from its opening totals.
func NewTransaction(spec TransactionSpec) (Transaction, error) {
	if spec.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: negative amount %s", ErrInvariantViolation, spec.Amount)
	}
	closing, err := spec.Opening.Apply(spec.Type, spec.Amount)
	if err != nil {
		return Transaction{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if spec.Entities == nil {
		spec.Entities = []TransactionEntity{}
	}
	return Transaction{
		ID:                     spec.ID,
		Type:                   spec.Type,
		CreatedAt:              spec.CreatedAt,
		CreatedBy:              spec.CreatedBy,
		Amount:                 spec.Amount,
		OpeningAmount:          spec.Opening.Amount,
		ClosingAmount:          closing.Amount,
		OpeningAvailableAmount: spec.Opening.AvailableAmount,
		ClosingAvailableAmount: closing.AvailableAmount,
		Entities:               spec.Entities,
	}, nil
}

// NewRoundingCorrection builds the transaction that snaps stored totals
// to their corrected values.
func NewRoundingCorrection(b WasteBalance, corrected Totals, at time.Time) Transaction {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Transaction{
		ID:                     uuid.NewString(),
		Type:                   TxRoundingCorrection,
		CreatedAt:              at,
		Amount:                 corrected.Amount.Sub(b.Amount),
		OpeningAmount:          b.Amount,
		ClosingAmount:          corrected.Amount,
		OpeningAvailableAmount: b.AvailableAmount,
		ClosingAvailableAmount: corrected.AvailableAmount,
		Entities: []TransactionEntity{{
			ID:                 b.AccreditationID,
			Type:               EntityBalance,
			CurrentVersionID:   fmt.Sprintf("%d", b.Version),
			PreviousVersionIDs: []string{},
		}},
	}
}

// Validate checks the transaction's own opening/closing invariant.
func (t Transaction) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("transaction %s: %w: %q", t.ID, ErrUnknownTransactionType, t.Type)
	}
	if t.Type == TxRoundingCorrection {
		if !t.ClosingAmount.Sub(t.OpeningAmount).Equal(t.Amount) {
			return &InvariantError{TransactionID: t.ID,
				Detail: fmt.Sprintf("rounding amount %s does not match change %s -> %s", t.Amount, t.OpeningAmount, t.ClosingAmount)}
		}
		return nil
	}
	if t.Amount.IsNegative() {
		return &InvariantError{TransactionID: t.ID, Detail: "negative amount " + t.Amount.String()}
	}
	want, err := Totals{t.OpeningAmount, t.OpeningAvailableAmount}.Apply(t.Type, t.Amount)
	if err != nil {
		return err
	}
	if !want.Amount.Equal(t.ClosingAmount) {
		return &InvariantError{TransactionID: t.ID,
			Detail: fmt.Sprintf("closing amount %s, expected %s", t.ClosingAmount, want.Amount)}
	}
	if !want.AvailableAmount.Equal(t.ClosingAvailableAmount) {
		return &InvariantError{TransactionID: t.ID,
			Detail: fmt.Sprintf("closing available amount %s, expected %s", t.ClosingAvailableAmount, want.AvailableAmount)}
	}
	return nil
}

// Validate checks every transaction and the opening/closing chain.
func (b WasteBalance) Validate() error {
	running := Totals{Zero, Zero}
	for i, tx := range b.Transactions {
		if err := tx.Validate(); err != nil {
			return err
		}
		if i > 0 && (!tx.OpeningAmount.Equal(running.Amount) || !tx.OpeningAvailableAmount.Equal(running.AvailableAmount)) {
			return &InvariantError{TransactionID: tx.ID,
				Detail: fmt.Sprintf("opens at %s/%s but previous closed at %s/%s",
					tx.OpeningAmount, tx.OpeningAvailableAmount, running.Amount, running.AvailableAmount)}
		}
		running = Totals{tx.ClosingAmount, tx.ClosingAvailableAmount}
	}
	if len(b.Transactions) > 0 && (!running.Amount.Equal(b.Amount) || !running.AvailableAmount.Equal(b.AvailableAmount)) {
		return fmt.Errorf("%w: balance %s stores %s/%s but ledger closes at %s/%s", ErrInvariantViolation,
			b.AccreditationID, b.Amount, b.AvailableAmount, running.Amount, running.AvailableAmount)
	}
	if b.AvailableAmount.GreaterThan(b.Amount) {
		return fmt.Errorf("%w: balance %s available %s exceeds amount %s", ErrInvariantViolation,
			b.AccreditationID, b.AvailableAmount, b.Amount)
	}
	return nil
}

// Append returns a copy of b with txs appended and totals taken from the
// last transaction. Version is left to the store.
func (b WasteBalance) Append(txs ...Transaction) WasteBalance {
	out := b.Clone()
	out.Transactions = append(out.Transactions, txs...)
	if n := len(txs); n > 0 {
		out.Amount = txs[n-1].ClosingAmount
		out.AvailableAmount = txs[n-1].ClosingAvailableAmount
	}
	return out
}
