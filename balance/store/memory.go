// Package store provides in-memory implementations of the balance stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/waste-balance-engine/balance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements balance.Gateway, balance.RecordSource and
// balance.AccreditationSource. Reads return deep copies so callers can
// never mutate stored state.
type Memory struct {
	mu             sync.RWMutex
	balances       map[string]balance.WasteBalance
	records        map[string][]balance.SourceRecord
	accreditations map[string]balance.Accreditation

	// Now stamps rounding corrections. Defaults to time.Now().UTC.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		balances:       make(map[string]balance.WasteBalance),
		records:        make(map[string][]balance.SourceRecord),
		accreditations: make(map[string]balance.Accreditation),
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Memory) FindByAccreditationID(_ context.Context, accreditationID string) (*balance.WasteBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[accreditationID]
	if !ok {
		return nil, nil
	}
	out := b.Clone()
	return &out, nil
}

func (m *Memory) FindAll(_ context.Context) ([]balance.WasteBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]balance.WasteBalance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccreditationID < out[j].AccreditationID })
	return out, nil
}

func (m *Memory) Create(_ context.Context, b balance.WasteBalance) (*balance.WasteBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.balances[b.AccreditationID]; exists {
		return nil, balance.ErrBalanceExists
	}
	stored := b.Clone()
	if stored.Transactions == nil {
		stored.Transactions = []balance.Transaction{}
	}
	m.balances[b.AccreditationID] = stored
	out := stored.Clone()
	return &out, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, accreditationID string, expectedVersion int64, patch balance.Patch) (*balance.WasteBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.balances[accreditationID]
	if !ok {
		return nil, balance.ErrBalanceNotFound
	}
	if current.Version != expectedVersion {
		return nil, &balance.VersionConflictError{
			AccreditationID: accreditationID,
			Expected:        expectedVersion,
			Actual:          current.Version,
		}
	}
	if err := balance.CheckPatch(current, patch); err != nil {
		return nil, err
	}

	next := current.Append(patch.NewTransactions...)
	next.Amount = patch.Amount
	next.AvailableAmount = patch.AvailableAmount
	next.Version = current.Version + 1
	m.balances[accreditationID] = next

	out := next.Clone()
	return &out, nil
}

func (m *Memory) ApplyRoundingCorrection(_ context.Context, c balance.RoundingCorrection) (*balance.WasteBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.balances[c.AccreditationID]
	if !ok {
		return nil, balance.ErrBalanceNotFound
	}
	if current.Version != c.ExpectedVersion {
		return nil, &balance.VersionConflictError{
			AccreditationID: c.AccreditationID,
			Expected:        c.ExpectedVersion,
			Actual:          current.Version,
		}
	}
	tx := balance.NewRoundingCorrection(current, balance.Totals{
		Amount:          c.CorrectedAmount,
		AvailableAmount: c.CorrectedAvailableAmount,
	}, m.now())

	next := current.Append(tx)
	next.Version = current.Version + 1
	m.balances[c.AccreditationID] = next

	out := next.Clone()
	return &out, nil
}

// =============================================================================
// COLLABORATOR DATA - Source records and accreditations
// =============================================================================

// PutAccreditation registers or replaces an accreditation.
func (m *Memory) PutAccreditation(a balance.Accreditation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accreditations[a.ID] = a
}

// PutRecord stores a record, replacing any record with the same id.
func (m *Memory) PutRecord(r balance.SourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.records[r.AccreditationID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return
		}
	}
	m.records[r.AccreditationID] = append(list, r)
}

func (m *Memory) FindAccreditation(_ context.Context, accreditationID string) (*balance.Accreditation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accreditations[accreditationID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) RecordsForAccreditation(_ context.Context, organisationID, accreditationID string) ([]balance.SourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []balance.SourceRecord
	for _, r := range m.records[accreditationID] {
		if organisationID != "" && r.OrganisationID != organisationID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
