package balance_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/fieldmap"
)

// =============================================================================
// FIXTURES
// =============================================================================

var (
	fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	acc2025 = balance.Accreditation{
		ID:             "acc-1",
		OrganisationID: "org-1",
		ValidFrom:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:        time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
	}
)

func exportRecord(id string, tonnage any, versions ...string) balance.SourceRecord {
	if len(versions) == 0 {
		versions = []string{id + "-v1"}
	}
	rv := make([]balance.RecordVersion, 0, len(versions))
	for _, v := range versions {
		rv = append(rv, balance.RecordVersion{ID: v, Status: "created"})
	}
	return balance.SourceRecord{
		ID:              id,
		Template:        "exporter",
		OrganisationID:  "org-1",
		AccreditationID: "acc-1",
		Versions:        rv,
		Data: map[string]any{
			"DATE_OF_EXPORT":                         "2025-03-14",
			"WERE_PRN_OR_PERN_ISSUED_ON_THIS_WASTE":  "No",
			"DID_WASTE_PASS_THROUGH_AN_INTERIM_SITE": "No",
			"TONNAGE_OF_UK_PACKAGING_WASTE_EXPORTED": tonnage,
		},
	}
}

// sequentialIDs makes transaction ids predictable.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("tx-%d", n)
	}
}

func calculate(t *testing.T, b balance.WasteBalance, records ...balance.SourceRecord) balance.CalculationResult {
	t.Helper()
	result, err := balance.CalculateUpdates(balance.CalculationInput{
		CurrentBalance: b,
		Records:        records,
		Accreditation:  acc2025,
		Clock:          func() time.Time { return fixedNow },
		NewID:          sequentialIDs(),
	})
	require.NoError(t, err)
	return result
}

// linked builds a stored transaction of typ linked to recordID.
func linked(t *testing.T, opening balance.Totals, typ balance.TransactionType, amount, recordID string) balance.Transaction {
	t.Helper()
	tx, err := balance.NewTransaction(balance.TransactionSpec{
		Type:    typ,
		Amount:  tons(amount),
		Opening: opening,
		Entities: []balance.TransactionEntity{{
			ID: recordID, Type: balance.EntityWasteRecordExported, CurrentVersionID: recordID + "-v1",
		}},
	})
	require.NoError(t, err)
	return tx
}

// withLedger builds a balance whose stored totals follow txs.
func withLedger(t *testing.T, steps ...func(balance.Totals) balance.Transaction) balance.WasteBalance {
	t.Helper()
	b := balance.NewWasteBalance("acc-1", "org-1")
	for _, step := range steps {
		b = b.Append(step(balance.TotalsOf(b)))
	}
	require.NoError(t, b.Validate())
	return b
}

func step(t *testing.T, typ balance.TransactionType, amount, recordID string) func(balance.Totals) balance.Transaction {
	return func(opening balance.Totals) balance.Transaction {
		return linked(t, opening, typ, amount, recordID)
	}
}

// =============================================================================
// CONCRETE SCENARIOS
// =============================================================================

func TestCalculate_EligibleRecordCredits(t *testing.T) {
	// GIVEN: An empty balance and one eligible export of 10.5
	// WHEN: Calculating
	// THEN: One CREDIT of 10.5

	result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), exportRecord("r1", 10.5))

	require.Len(t, result.NewTransactions, 1)
	tx := result.NewTransactions[0]
	assert.Equal(t, balance.TxCredit, tx.Type)
	assert.True(t, tx.Amount.Equal(tons("10.5")))
	assert.True(t, tx.OpeningAmount.IsZero())
	assert.True(t, tx.ClosingAmount.Equal(tons("10.5")))
	assert.True(t, tx.ClosingAvailableAmount.Equal(tons("10.5")))
	assert.True(t, result.NewAmount.Equal(tons("10.5")))
	assert.True(t, result.NewAvailableAmount.Equal(tons("10.5")))
	assert.Equal(t, "tx-1", tx.ID)
	assert.True(t, tx.CreatedAt.Equal(fixedNow))
}

func TestCalculate_PrnAlreadyIssuedIsSkipped(t *testing.T) {
	r := exportRecord("r1", 10.5)
	r.Data["WERE_PRN_OR_PERN_ISSUED_ON_THIS_WASTE"] = "YES"

	result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), r)

	assert.Empty(t, result.NewTransactions)
	assert.True(t, result.NewAmount.IsZero())
}

func TestCalculate_OutsideAccreditationWindowIsSkipped(t *testing.T) {
	for _, date := range []any{"2024-12-31", "2026-01-01", nil, "next tuesday"} {
		r := exportRecord("r1", 10.5)
		r.Data["DATE_OF_EXPORT"] = date

		result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), r)

		assert.Empty(t, result.NewTransactions, "date %v", date)
	}
}

func TestCalculate_WindowBoundsAreInclusive(t *testing.T) {
	first := exportRecord("r1", 1)
	first.Data["DATE_OF_EXPORT"] = acc2025.ValidFrom
	last := exportRecord("r2", 2)
	last.Data["DATE_OF_EXPORT"] = acc2025.ValidTo.Format(time.RFC3339)

	result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), first, last)

	assert.Len(t, result.NewTransactions, 2)
}

func TestCalculate_IncreasedTargetCreditsTheDifference(t *testing.T) {
	// GIVEN: CREDIT 10 already linked, record now says 20
	b := withLedger(t, step(t, balance.TxCredit, "10", "r1"))

	result := calculate(t, b, exportRecord("r1", 20))

	// THEN: One CREDIT of 10, not another 20
	require.Len(t, result.NewTransactions, 1)
	assert.Equal(t, balance.TxCredit, result.NewTransactions[0].Type)
	assert.True(t, result.NewTransactions[0].Amount.Equal(tons("10")))
	assert.True(t, result.NewAmount.Equal(tons("20")))
}

func TestCalculate_NetAllocationAlreadyMatches(t *testing.T) {
	// GIVEN: CREDIT 30 then DEBIT 10 linked to the record, target 20
	b := withLedger(t,
		step(t, balance.TxCredit, "30", "r1"),
		step(t, balance.TxDebit, "10", "r1"),
	)

	result := calculate(t, b, exportRecord("r1", 20))

	assert.Empty(t, result.NewTransactions)
	assert.True(t, result.NewAmount.Equal(tons("20")))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCalculate_Idempotent(t *testing.T) {
	records := []balance.SourceRecord{
		exportRecord("r1", 10.5),
		exportRecord("r2", "0.1"),
		exportRecord("r3", 7),
	}
	b := balance.NewWasteBalance("acc-1", "org-1")

	first := calculate(t, b, records...)
	require.Len(t, first.NewTransactions, 3)
	b = b.Append(first.NewTransactions...)
	require.NoError(t, b.Validate())

	second := calculate(t, b, records...)

	assert.Empty(t, second.NewTransactions)
	assert.True(t, second.NewAmount.Equal(tons("17.6")))
}

func TestCalculate_ConvergesOnCorrection(t *testing.T) {
	cases := []struct {
		name     string
		from, to string
		wantType balance.TransactionType
		want     string
	}{
		{"reduced", "12.4", "11.15", balance.TxDebit, "1.25"},
		{"increased", "0.1", "0.3", balance.TxCredit, "0.2"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := balance.NewWasteBalance("acc-1", "org-1")
			b = b.Append(calculate(t, b, exportRecord("r1", c.from)).NewTransactions...)

			corrected := exportRecord("r1", c.to, "v1", "v2")
			result := calculate(t, b, corrected)

			require.Len(t, result.NewTransactions, 1)
			tx := result.NewTransactions[0]
			assert.Equal(t, c.wantType, tx.Type)
			assert.True(t, tx.Amount.Equal(tons(c.want)), "amount %s", tx.Amount)
			assert.True(t, result.NewAmount.Equal(tons(c.to)))

			// Provenance carries the version history
			assert.Equal(t, "v2", tx.Entities[0].CurrentVersionID)
			assert.Equal(t, []string{"v1"}, tx.Entities[0].PreviousVersionIDs)
		})
	}
}

func TestCalculate_RunningTotalsCarryBetweenRecords(t *testing.T) {
	b := balance.NewWasteBalance("acc-1", "org-1")
	result := calculate(t, b, exportRecord("r1", "0.1"), exportRecord("r2", "0.2"))

	require.Len(t, result.NewTransactions, 2)
	second := result.NewTransactions[1]
	assert.True(t, second.OpeningAmount.Equal(tons("0.1")))
	assert.True(t, second.ClosingAmount.Equal(tons("0.3")))
	assert.NoError(t, b.Append(result.NewTransactions...).Validate())
}

func TestCalculate_InterimSiteUsesInterimTonnage(t *testing.T) {
	r := exportRecord("r1", 10)
	r.Data["DID_WASTE_PASS_THROUGH_AN_INTERIM_SITE"] = "yes"
	r.Data["TONNAGE_PASSED_INTERIM_SITE_RECEIVED_BY_OSR"] = "3.25"

	result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), r)

	require.Len(t, result.NewTransactions, 1)
	assert.True(t, result.NewTransactions[0].Amount.Equal(tons("3.25")))
}

func TestCalculate_NonPositiveTargetIsSkipped(t *testing.T) {
	for _, v := range []any{0, "-2", nil, "n/a"} {
		result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), exportRecord("r1", v))
		assert.Empty(t, result.NewTransactions, "tonnage %v", v)
	}
}

func TestCalculate_PrnAndRoundingTransactionsAreNotAllocation(t *testing.T) {
	// GIVEN: A CREDIT of 10 plus PRN movements linked to the same id
	b := withLedger(t,
		step(t, balance.TxCredit, "10", "r1"),
		step(t, balance.TxPendingDebit, "4", "r1"),
		step(t, balance.TxIssuedDebit, "4", "r1"),
	)
	b = b.Append(balance.NewRoundingCorrection(b, balance.Totals{Amount: tons("6"), AvailableAmount: tons("6")}, fixedNow))

	// A type outside the closed set, as might sit in old stored history
	odd := balance.Transaction{ID: "odd", Type: "LEGACY_ADJUSTMENT", Amount: tons("99"),
		OpeningAmount: b.Amount, ClosingAmount: b.Amount,
		OpeningAvailableAmount: b.AvailableAmount, ClosingAvailableAmount: b.AvailableAmount,
		Entities: []balance.TransactionEntity{{ID: "r1"}}}
	b.Transactions = append(b.Transactions, odd)

	// WHEN: The record still says 10
	result := calculate(t, b, exportRecord("r1", 10))

	// THEN: Nothing to do
	assert.Empty(t, result.NewTransactions)
}

func TestCalculate_DuplicateEntityCountsOnce(t *testing.T) {
	tx := linked(t, balance.Totals{}, balance.TxCredit, "5", "r1")
	tx.Entities = append(tx.Entities, tx.Entities[0])
	b := balance.NewWasteBalance("acc-1", "org-1").Append(tx)

	result := calculate(t, b, exportRecord("r1", 5))

	assert.Empty(t, result.NewTransactions)
}

func TestCalculate_EntityKindFollowsTemplate(t *testing.T) {
	received := balance.SourceRecord{
		ID: "in-1", Template: "reprocessor-input", Versions: []balance.RecordVersion{{ID: "v1"}},
		Data: map[string]any{
			"DATE_RECEIVED_FOR_REPROCESSING": "2025-04-01",
			"TONNAGE_RECEIVED_FOR_RECYCLING": "42.1",
		},
	}
	processed := balance.SourceRecord{
		ID: "out-1", Template: "reprocessor-output", Versions: []balance.RecordVersion{{ID: "v1"}},
		Data: map[string]any{
			"DATE_LOAD_LEFT_SITE":                    "2025-04-02",
			"PRODUCT_UK_PACKAGING_WEIGHT_PROPORTION": "18.33",
		},
	}
	user := &balance.UserSummary{ID: "u-1", Name: "Ada"}
	processed.UpdatedBy = user

	result := calculate(t, balance.NewWasteBalance("acc-1", "org-1"), received, processed)

	require.Len(t, result.NewTransactions, 2)
	assert.Equal(t, balance.EntityWasteRecordReceived, result.NewTransactions[0].Entities[0].Type)
	assert.Equal(t, balance.EntityWasteRecordProcessed, result.NewTransactions[1].Entities[0].Type)
	assert.Nil(t, result.NewTransactions[0].CreatedBy)
	assert.Equal(t, user, result.NewTransactions[1].CreatedBy)
	assert.True(t, result.NewAmount.Equal(tons("60.43")))
}

// =============================================================================
// CONFIGURATION ERRORS
// =============================================================================

func TestCalculate_UnknownTemplateAbortsAndNamesRecord(t *testing.T) {
	bad := exportRecord("r2", 5)
	bad.Template = "mystery"

	_, err := balance.CalculateUpdates(balance.CalculationInput{
		CurrentBalance: balance.NewWasteBalance("acc-1", "org-1"),
		Records:        []balance.SourceRecord{exportRecord("r1", 1), bad},
		Accreditation:  acc2025,
	})

	require.Error(t, err)
	var recErr *balance.RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "r2", recErr.RecordID)
	assert.ErrorIs(t, err, fieldmap.ErrUnknownTemplate)
	assert.True(t, balance.IsConfigurationError(err))
}

// partialTemplate omits the interim columns entirely.
type partialTemplate struct{}

func (partialTemplate) Name() string       { return "partial" }
func (partialTemplate) EntityKind() string { return "waste_record:exported" }
func (partialTemplate) Columns() map[fieldmap.Field]string {
	return map[fieldmap.Field]string{
		fieldmap.DispatchDate:  "DATE",
		fieldmap.PrnIssued:     "PRN",
		fieldmap.ExportTonnage: "TONNES",
	}
}

func TestCalculate_UnmappedFieldIsAnError(t *testing.T) {
	r := balance.SourceRecord{
		ID: "r1", Template: "partial",
		Data: map[string]any{"DATE": "2025-02-02", "PRN": "no", "TONNES": 3},
	}

	_, err := balance.CalculateUpdates(balance.CalculationInput{
		CurrentBalance: balance.NewWasteBalance("acc-1", "org-1"),
		Records:        []balance.SourceRecord{r},
		Accreditation:  acc2025,
		Templates:      fieldmap.NewRegistry(partialTemplate{}),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, fieldmap.ErrUnknownField))
	assert.True(t, balance.IsConfigurationError(err))
}
