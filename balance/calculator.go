/*
calculator.go - Record-driven balance reconciliation

PURPOSE:
  Converges a WasteBalance to the current state of its source records by
  appending, per record, at most one transaction: the difference between
  what the record is worth now and what the ledger has already allocated
  to it.

ALGORITHM (per record, in input order):
  1. Skip records that are not eligible (eligibility.go)
  2. target = interim tonnage if the load passed an interim site,
     otherwise export tonnage; absent values are 0; skip if target <= 0
  3. allocated = sum over transactions linked to the record of
     +amount (CREDIT) / -amount (DEBIT); every other type nets to 0
  4. delta = target - allocated, exactly
  5. delta == 0: nothing; delta > 0: CREDIT delta; delta < 0: DEBIT |delta|
  6. running totals carry forward to the next record

PROPERTIES:
  - Idempotent: re-running over the same records yields no transactions
  - Convergent: a corrected record yields one transaction of |new - old|,
    never a second copy of the gross amount
  - Pure: no I/O, no clock or id source other than those injected

ERRORS:
  Only mapping misconfiguration fails. The whole invocation is aborted
  and the offending record is named in a RecordError.
*/
package balance

import (
	"time"

	"github.com/google/uuid"
	"github.com/warp/waste-balance-engine/fieldmap"
)

// CalculationInput is everything the calculator reads.
type CalculationInput struct {
	CurrentBalance WasteBalance
	Records        []SourceRecord
	Accreditation  Accreditation

	// Templates defaults to fieldmap.Default().
	Templates *fieldmap.Registry

	// Clock and NewID default to time.Now().UTC and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// CalculationResult is what the caller persists.
type CalculationResult struct {
	NewTransactions    []Transaction
	NewAmount          Tonnage
	NewAvailableAmount Tonnage
}

// CalculateUpdates computes the transactions needed to bring the balance
// in line with the given records.
func CalculateUpdates(in CalculationInput) (CalculationResult, error) {
	templates := in.Templates
	if templates == nil {
		templates = fieldmap.Default()
	}
	clock := in.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	running := TotalsOf(in.CurrentBalance)
	allocated := allocatedByRecord(in.CurrentBalance.Transactions)
	newTransactions := []Transaction{}

	for _, record := range in.Records {
		tx, produced, err := reconcileRecord(templates, record, in.Accreditation, allocated[record.ID], running, clock, newID)
		if err != nil {
			return CalculationResult{}, &RecordError{RecordID: record.ID, Err: err}
		}
		if !produced {
			continue
		}
		newTransactions = append(newTransactions, tx)
		running = Totals{tx.ClosingAmount, tx.ClosingAvailableAmount}
		allocated[record.ID] = allocated[record.ID].Add(netContribution(tx))
	}

	return CalculationResult{
		NewTransactions:    newTransactions,
		NewAmount:          running.Amount,
		NewAvailableAmount: running.AvailableAmount,
	}, nil
}

func reconcileRecord(
	templates *fieldmap.Registry,
	record SourceRecord,
	acc Accreditation,
	allocated Tonnage,
	running Totals,
	clock func() time.Time,
	newID func() string,
) (Transaction, bool, error) {
	eligible, err := Eligible(templates, record, acc)
	if err != nil || !eligible {
		return Transaction{}, false, err
	}

	target, err := TargetAmount(templates, record)
	if err != nil {
		return Transaction{}, false, err
	}
	if !target.IsPositive() {
		return Transaction{}, false, nil
	}

	delta := target.Sub(allocated)
	if delta.IsZero() {
		return Transaction{}, false, nil
	}

	typ := TxCredit
	if delta.IsNegative() {
		typ = TxDebit
	}

	tpl, err := templates.Lookup(record.Template)
	if err != nil {
		return Transaction{}, false, err
	}

	tx, err := NewTransaction(TransactionSpec{
		ID:        newID(),
		Type:      typ,
		Amount:    delta.Abs(),
		Opening:   running,
		CreatedAt: clock(),
		CreatedBy: record.UpdatedBy,
		Entities: []TransactionEntity{{
			ID:                 record.ID,
			Type:               EntityType(tpl.EntityKind()),
			CurrentVersionID:   record.CurrentVersionID(),
			PreviousVersionIDs: record.PreviousVersionIDs(),
		}},
	})
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, true, nil
}

// TargetAmount is what the record is currently worth to the balance.
func TargetAmount(templates *fieldmap.Registry, record SourceRecord) (Tonnage, error) {
	interim, err := templates.YesNo(record.Template, record.Data, fieldmap.InterimSite)
	if err != nil {
		return Zero, err
	}
	field := fieldmap.ExportTonnage
	if interim {
		field = fieldmap.InterimTonnage
	}
	v, _, err := templates.Resolve(record.Template, record.Data, field)
	if err != nil {
		return Zero, err
	}
	return ToDecimal(v), nil
}

// allocatedByRecord nets confirmed allocations per linked record id. A
// transaction linked to the same id twice is counted once.
func allocatedByRecord(txs []Transaction) map[string]Tonnage {
	out := make(map[string]Tonnage)
	for _, tx := range txs {
		contribution := netContribution(tx)
		seen := make(map[string]bool, len(tx.Entities))
		for _, e := range tx.Entities {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out[e.ID] = out[e.ID].Add(contribution)
		}
	}
	return out
}

// netContribution is a transaction's effect on a record's confirmed
// allocation. Ring-fencing, PRN lifecycle and rounding corrections do not
// represent allocation, and neither does any type outside the closed set.
func netContribution(tx Transaction) Tonnage {
	switch tx.Type {
	case TxCredit:
		return tx.Amount
	case TxDebit:
		return tx.Amount.Neg()
	case TxPendingDebit, TxPendingRelease, TxIssuedDebit, TxRoundingCorrection:
		return Zero
	default:
		// Unrecognised types are tolerated in stored history but never
		// counted as allocation.
		return Zero
	}
}
