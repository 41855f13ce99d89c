/*
Package balance provides the waste balance reconciliation engine.

PURPOSE:
  Each accreditation owns a WasteBalance: the tonnage it may issue
  recycling certificates (PRNs) against. The balance is derived from
  externally-owned source records and kept in step with them by
  appending transactions, never by editing history.

KEY CONCEPTS IN THIS FILE (types.go):
  - TransactionType: Closed set of ledger entry kinds
  - Transaction: An immutable, provenance-tracked ledger entry
  - WasteBalance: The aggregate written atomically under CAS
  - SourceRecord: A read-only waste record owned by another system

AMOUNTS:
  amount          Total allocated tonnage
  availableAmount Tonnage not yet ring-fenced for a pending PRN

SEE ALSO:
  - tonnage.go: Exact decimal arithmetic
  - calculator.go: Record-driven reconciliation
  - ledger.go: Transaction construction and invariant checks
*/
package balance

import (
	"fmt"
	"time"
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxCredit             TransactionType = "CREDIT"                // +amount, +availableAmount
	TxDebit              TransactionType = "DEBIT"                 // -amount, -availableAmount
	TxPendingDebit       TransactionType = "PENDING_DEBIT"         // -availableAmount (PRN created)
	TxRoundingCorrection TransactionType = "ROUNDING_CORRECTION"   // both set to corrected values
	TxPendingRelease     TransactionType = "PENDING_DEBIT_RELEASE" // +availableAmount (PRN cancelled)
	TxIssuedDebit        TransactionType = "ISSUED_DEBIT"          // -amount (PRN issued)
)

var transactionTypes = []TransactionType{
	TxCredit, TxDebit, TxPendingDebit, TxRoundingCorrection, TxPendingRelease, TxIssuedDebit,
}

// ParseTransactionType rejects anything outside the closed set.
func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range transactionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransactionType, s)
}

func (t TransactionType) Valid() bool {
	_, err := ParseTransactionType(string(t))
	return err == nil
}

// =============================================================================
// ENTITIES - Provenance links
// =============================================================================

type EntityType string

const (
	EntityWasteRecordExported  EntityType = "waste_record:exported"
	EntityWasteRecordReceived  EntityType = "waste_record:received"
	EntityWasteRecordProcessed EntityType = "waste_record:processed"
	EntityPrnCreated           EntityType = "prn:created"
	EntityPrnIssued            EntityType = "prn:issued"
	EntityPrnCancelled         EntityType = "prn:cancelled"
	EntityBalance              EntityType = "waste_balance"
)

// TransactionEntity links a transaction to the record (or PRN) that caused it.
type TransactionEntity struct {
	ID                 string     `json:"id"`
	Type               EntityType `json:"type"`
	CurrentVersionID   string     `json:"currentVersionId"`
	PreviousVersionIDs []string   `json:"previousVersionIds"`
}

// UserSummary identifies who caused a transaction. Nil for system writes.
type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is immutable once appended.
type Transaction struct {
	ID                     string              `json:"id"`
	Type                   TransactionType     `json:"type"`
	CreatedAt              time.Time           `json:"createdAt"`
	CreatedBy              *UserSummary        `json:"createdBy,omitempty"`
	Amount                 Tonnage             `json:"amount"`
	OpeningAmount          Tonnage             `json:"openingAmount"`
	ClosingAmount          Tonnage             `json:"closingAmount"`
	OpeningAvailableAmount Tonnage             `json:"openingAvailableAmount"`
	ClosingAvailableAmount Tonnage             `json:"closingAvailableAmount"`
	Entities               []TransactionEntity `json:"entities"`
}

// References reports whether the transaction is linked to entity id.
func (t Transaction) References(id string) bool {
	for _, e := range t.Entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// =============================================================================
// WASTE BALANCE
// =============================================================================

// CurrentSchemaVersion is stamped on newly created balances.
const CurrentSchemaVersion = 1

// WasteBalance is the per-accreditation aggregate. Transactions are
// append-only; Version increases by one on every successful write.
type WasteBalance struct {
	ID              string        `json:"id"`
	AccreditationID string        `json:"accreditationId"`
	OrganisationID  string        `json:"organisationId"`
	Amount          Tonnage       `json:"amount"`
	AvailableAmount Tonnage       `json:"availableAmount"`
	Transactions    []Transaction `json:"transactions"`
	Version         int64         `json:"version"`
	SchemaVersion   int           `json:"schemaVersion"`
}

// Clone returns a copy whose transaction slice can be appended to safely.
func (b WasteBalance) Clone() WasteBalance {
	out := b
	out.Transactions = make([]Transaction, len(b.Transactions))
	copy(out.Transactions, b.Transactions)
	return out
}

// =============================================================================
// SOURCE RECORDS - Owned externally, read-only here
// =============================================================================

type RecordVersion struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SourceRecord is one row of a submitted summary log.
type SourceRecord struct {
	ID              string          `json:"id"`
	Template        string          `json:"template"`
	Data            map[string]any  `json:"data"`
	Versions        []RecordVersion `json:"versions"`
	OrganisationID  string          `json:"organisationId"`
	AccreditationID string          `json:"accreditationId"`
	UpdatedBy       *UserSummary    `json:"updatedBy,omitempty"`
}

// CurrentVersionID is the id of the last version entry, or "".
func (r SourceRecord) CurrentVersionID() string {
	if len(r.Versions) == 0 {
		return ""
	}
	return r.Versions[len(r.Versions)-1].ID
}

// PreviousVersionIDs lists every version id except the last. Never nil.
func (r SourceRecord) PreviousVersionIDs() []string {
	ids := []string{}
	if len(r.Versions) < 2 {
		return ids
	}
	for _, v := range r.Versions[:len(r.Versions)-1] {
		ids = append(ids, v.ID)
	}
	return ids
}
