/*
Package sqlite provides a SQLite-backed implementation of the balance stores.

PURPOSE:
  Implements balance.Gateway (with compare-and-swap), balance.RecordSource
  and balance.AccreditationSource, plus the sweep run history used by the
  rounding-correction scheduler.

KEY TABLES:
  waste_balances:             One row per accreditation, carries version
  waste_balance_transactions: Append-only ledger, ordered by seq
  waste_records:              Source records (owned by the summary-log importer)
  accreditations:             Validity windows
  sweep_runs:                 Rounding-correction run history

AMOUNTS:
  Every tonnage column is TEXT holding the exact decimal string. REAL is
  never used on the balance path.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on waste_balance_transactions
  - The balance row is only changed by CompareAndSwap and
    ApplyRoundingCorrection, both guarded by "WHERE version = ?"

CONCURRENCY:
  The version guard makes each write a CAS even across processes. A
  sync.RWMutex additionally serialises access within one process, and
  the pool is limited to one connection so ":memory:" databases are
  shared.

USAGE:
  store, err := sqlite.New("./data/balances.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - balance/store.go: Gateway contract
  - balance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/waste-balance-engine/balance"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements the balance storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Now stamps rows and rounding corrections. Defaults to time.Now().UTC.
	Now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS waste_balances (
		accreditation_id TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		organisation_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		available_amount TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS waste_balance_transactions (
		id TEXT PRIMARY KEY,
		accreditation_id TEXT NOT NULL REFERENCES waste_balances(accreditation_id),
		seq INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		opening_amount TEXT NOT NULL,
		closing_amount TEXT NOT NULL,
		opening_available_amount TEXT NOT NULL,
		closing_available_amount TEXT NOT NULL,
		entities_json TEXT NOT NULL,
		created_by_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(accreditation_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_wbt_accreditation_seq
		ON waste_balance_transactions(accreditation_id, seq);

	CREATE TABLE IF NOT EXISTS waste_records (
		accreditation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		organisation_id TEXT NOT NULL,
		template TEXT NOT NULL,
		data_json TEXT NOT NULL,
		versions_json TEXT NOT NULL,
		updated_by_json TEXT,
		position INTEGER NOT NULL,
		PRIMARY KEY (accreditation_id, id)
	);

	CREATE TABLE IF NOT EXISTS accreditations (
		id TEXT PRIMARY KEY,
		organisation_id TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		corrected INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// GATEWAY (balance.Gateway interface)
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// FindByAccreditationID returns the balance with its full ledger, or nil.
func (s *Store) FindByAccreditationID(ctx context.Context, accreditationID string) (*balance.WasteBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadBalance(ctx, s.db, accreditationID, true)
}

// FindAll returns every balance, ordered by accreditation id.
func (s *Store) FindAll(ctx context.Context) ([]balance.WasteBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT accreditation_id, id, organisation_id, amount, available_amount, version, schema_version
		FROM waste_balances
		ORDER BY accreditation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}

	var balances []balance.WasteBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		balances = append(balances, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range balances {
		txs, err := s.loadTransactions(ctx, s.db, balances[i].AccreditationID)
		if err != nil {
			return nil, err
		}
		balances[i].Transactions = txs
	}
	return balances, nil
}

// Create stores a new balance and any transactions it already carries.
func (s *Store) Create(ctx context.Context, b balance.WasteBalance) (*balance.WasteBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := s.now().Format(timeLayout)
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO waste_balances
		(accreditation_id, id, organisation_id, amount, available_amount, version, schema_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.AccreditationID, b.ID, b.OrganisationID, b.Amount, b.AvailableAmount, b.Version, b.SchemaVersion, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, balance.ErrBalanceExists
		}
		return nil, fmt.Errorf("failed to insert balance: %w", err)
	}
	if err := s.appendTransactions(ctx, sqlTx, b.AccreditationID, 0, b.Transactions); err != nil {
		return nil, err
	}

	created, err := s.loadBalance(ctx, sqlTx, b.AccreditationID, true)
	if err != nil {
		return nil, err
	}
	return created, sqlTx.Commit()
}

// CompareAndSwap appends the patch's transactions and sets the totals,
// provided the stored version still equals expectedVersion.
func (s *Store) CompareAndSwap(ctx context.Context, accreditationID string, expectedVersion int64, patch balance.Patch) (*balance.WasteBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := s.loadBalance(ctx, sqlTx, accreditationID, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, balance.ErrBalanceNotFound
	}
	if current.Version != expectedVersion {
		return nil, &balance.VersionConflictError{
			AccreditationID: accreditationID,
			Expected:        expectedVersion,
			Actual:          current.Version,
		}
	}
	if err := balance.CheckPatch(*current, patch); err != nil {
		return nil, err
	}

	if err := s.swap(ctx, sqlTx, accreditationID, expectedVersion, patch.Amount, patch.AvailableAmount); err != nil {
		return nil, err
	}
	if err := s.appendTransactions(ctx, sqlTx, accreditationID, -1, patch.NewTransactions); err != nil {
		return nil, err
	}

	updated, err := s.loadBalance(ctx, sqlTx, accreditationID, true)
	if err != nil {
		return nil, err
	}
	return updated, sqlTx.Commit()
}

// ApplyRoundingCorrection appends a ROUNDING_CORRECTION transaction and
// bumps the version.
func (s *Store) ApplyRoundingCorrection(ctx context.Context, c balance.RoundingCorrection) (*balance.WasteBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := s.loadBalance(ctx, sqlTx, c.AccreditationID, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, balance.ErrBalanceNotFound
	}
	if current.Version != c.ExpectedVersion {
		return nil, &balance.VersionConflictError{
			AccreditationID: c.AccreditationID,
			Expected:        c.ExpectedVersion,
			Actual:          current.Version,
		}
	}

	tx := balance.NewRoundingCorrection(*current, balance.Totals{
		Amount:          c.CorrectedAmount,
		AvailableAmount: c.CorrectedAvailableAmount,
	}, s.now())

	if err := s.swap(ctx, sqlTx, c.AccreditationID, current.Version, c.CorrectedAmount, c.CorrectedAvailableAmount); err != nil {
		return nil, err
	}
	if err := s.appendTransactions(ctx, sqlTx, c.AccreditationID, -1, []balance.Transaction{tx}); err != nil {
		return nil, err
	}

	updated, err := s.loadBalance(ctx, sqlTx, c.AccreditationID, true)
	if err != nil {
		return nil, err
	}
	return updated, sqlTx.Commit()
}

// swap is the version-guarded update of the balance row.
func (s *Store) swap(ctx context.Context, q queryer, accreditationID string, expectedVersion int64, amount, available balance.Tonnage) error {
	res, err := q.ExecContext(ctx, `
		UPDATE waste_balances
		SET amount = ?, available_amount = ?, version = version + 1, updated_at = ?
		WHERE accreditation_id = ? AND version = ?
	`, amount, available, s.now().Format(timeLayout), accreditationID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual int64
		err := q.QueryRowContext(ctx, "SELECT version FROM waste_balances WHERE accreditation_id = ?", accreditationID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return balance.ErrBalanceNotFound
		}
		return &balance.VersionConflictError{AccreditationID: accreditationID, Expected: expectedVersion, Actual: actual}
	}
	return nil
}

// appendTransactions inserts txs after the last seq. startSeq < 0 means
// "look it up".
func (s *Store) appendTransactions(ctx context.Context, q queryer, accreditationID string, startSeq int64, txs []balance.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	seq := startSeq
	if seq < 0 {
		if err := q.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM waste_balance_transactions WHERE accreditation_id = ?",
			accreditationID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to read ledger position: %w", err)
		}
	}

	for _, tx := range txs {
		seq++
		entitiesJSON, err := json.Marshal(tx.Entities)
		if err != nil {
			return err
		}
		var createdBy sql.NullString
		if tx.CreatedBy != nil {
			b, err := json.Marshal(tx.CreatedBy)
			if err != nil {
				return err
			}
			createdBy = sql.NullString{String: string(b), Valid: true}
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO waste_balance_transactions
			(id, accreditation_id, seq, tx_type, amount, opening_amount, closing_amount,
			 opening_available_amount, closing_available_amount, entities_json, created_by_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			tx.ID, accreditationID, seq, string(tx.Type), tx.Amount,
			tx.OpeningAmount, tx.ClosingAmount,
			tx.OpeningAvailableAmount, tx.ClosingAvailableAmount,
			string(entitiesJSON), createdBy, tx.CreatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction %s: %w", tx.ID, err)
		}
	}
	return nil
}

func (s *Store) loadBalance(ctx context.Context, q queryer, accreditationID string, withTransactions bool) (*balance.WasteBalance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT accreditation_id, id, organisation_id, amount, available_amount, version, schema_version
		FROM waste_balances
		WHERE accreditation_id = ?
	`, accreditationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if !rows.Next() {
		rows.Close()
		return nil, rows.Err()
	}
	b, err := scanBalance(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if withTransactions {
		txs, err := s.loadTransactions(ctx, q, accreditationID)
		if err != nil {
			return nil, err
		}
		b.Transactions = txs
	}
	return &b, nil
}

func scanBalance(rows *sql.Rows) (balance.WasteBalance, error) {
	var b balance.WasteBalance
	err := rows.Scan(&b.AccreditationID, &b.ID, &b.OrganisationID, &b.Amount, &b.AvailableAmount, &b.Version, &b.SchemaVersion)
	if err != nil {
		return b, fmt.Errorf("failed to scan balance: %w", err)
	}
	b.Transactions = []balance.Transaction{}
	return b, nil
}

func (s *Store) loadTransactions(ctx context.Context, q queryer, accreditationID string) ([]balance.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tx_type, amount, opening_amount, closing_amount,
		       opening_available_amount, closing_available_amount,
		       entities_json, created_by_json, created_at
		FROM waste_balance_transactions
		WHERE accreditation_id = ?
		ORDER BY seq ASC
	`, accreditationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []balance.Transaction{}
	for rows.Next() {
		var (
			tx           balance.Transaction
			txType       string
			entitiesJSON string
			createdBy    sql.NullString
			createdAt    string
		)
		err := rows.Scan(&tx.ID, &txType, &tx.Amount, &tx.OpeningAmount, &tx.ClosingAmount,
			&tx.OpeningAvailableAmount, &tx.ClosingAvailableAmount, &entitiesJSON, &createdBy, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		// Stored history is kept even if its type is no longer known; the
		// calculator nets unknown types to zero.
		tx.Type = balance.TransactionType(txType)
		if err := json.Unmarshal([]byte(entitiesJSON), &tx.Entities); err != nil {
			return nil, fmt.Errorf("failed to decode entities of %s: %w", tx.ID, err)
		}
		if createdBy.Valid && createdBy.String != "" {
			tx.CreatedBy = &balance.UserSummary{}
			if err := json.Unmarshal([]byte(createdBy.String), tx.CreatedBy); err != nil {
				return nil, fmt.Errorf("failed to decode created_by of %s: %w", tx.ID, err)
			}
		}
		tx.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// SOURCE RECORDS (balance.RecordSource interface)
// =============================================================================

// SaveRecord inserts or replaces a source record. Records keep the
// position of their first insert so the calculator sees a stable order.
func (s *Store) SaveRecord(ctx context.Context, r balance.SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	versionsJSON, err := json.Marshal(r.Versions)
	if err != nil {
		return err
	}
	var updatedBy sql.NullString
	if r.UpdatedBy != nil {
		b, err := json.Marshal(r.UpdatedBy)
		if err != nil {
			return err
		}
		updatedBy = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO waste_records
		(accreditation_id, id, organisation_id, template, data_json, versions_json, updated_by_json, position)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM waste_records WHERE accreditation_id = ?))
		ON CONFLICT(accreditation_id, id) DO UPDATE SET
			organisation_id = excluded.organisation_id,
			template = excluded.template,
			data_json = excluded.data_json,
			versions_json = excluded.versions_json,
			updated_by_json = excluded.updated_by_json
	`, r.AccreditationID, r.ID, r.OrganisationID, r.Template, string(dataJSON), string(versionsJSON), updatedBy, r.AccreditationID)
	if err != nil {
		return fmt.Errorf("failed to save waste record: %w", err)
	}
	return nil
}

// RecordsForAccreditation returns records in insertion order. An empty
// organisationID matches any organisation.
func (s *Store) RecordsForAccreditation(ctx context.Context, organisationID, accreditationID string) ([]balance.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, accreditation_id, organisation_id, template, data_json, versions_json, updated_by_json
		FROM waste_records
		WHERE accreditation_id = ?`
	args := []any{accreditationID}
	if organisationID != "" {
		query += " AND organisation_id = ?"
		args = append(args, organisationID)
	}
	query += " ORDER BY position ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query waste records: %w", err)
	}
	defer rows.Close()

	var records []balance.SourceRecord
	for rows.Next() {
		var (
			r            balance.SourceRecord
			dataJSON     string
			versionsJSON string
			updatedBy    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AccreditationID, &r.OrganisationID, &r.Template, &dataJSON, &versionsJSON, &updatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan waste record: %w", err)
		}
		dec := json.NewDecoder(strings.NewReader(dataJSON))
		dec.UseNumber()
		if err := dec.Decode(&r.Data); err != nil {
			return nil, fmt.Errorf("failed to decode waste record %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(versionsJSON), &r.Versions); err != nil {
			return nil, fmt.Errorf("failed to decode versions of %s: %w", r.ID, err)
		}
		if updatedBy.Valid && updatedBy.String != "" {
			r.UpdatedBy = &balance.UserSummary{}
			if err := json.Unmarshal([]byte(updatedBy.String), r.UpdatedBy); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// ACCREDITATIONS (balance.AccreditationSource interface)
// =============================================================================

// SaveAccreditation inserts or replaces an accreditation window.
func (s *Store) SaveAccreditation(ctx context.Context, a balance.Accreditation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accreditations (id, organisation_id, valid_from, valid_to)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organisation_id = excluded.organisation_id,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to
	`, a.ID, a.OrganisationID, a.ValidFrom.UTC().Format(timeLayout), a.ValidTo.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save accreditation: %w", err)
	}
	return nil
}

func (s *Store) FindAccreditation(ctx context.Context, accreditationID string) (*balance.Accreditation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a         balance.Accreditation
		validFrom string
		validTo   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, organisation_id, valid_from, valid_to FROM accreditations WHERE id = ?",
		accreditationID,
	).Scan(&a.ID, &a.OrganisationID, &validFrom, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load accreditation: %w", err)
	}
	if a.ValidFrom, err = time.Parse(timeLayout, validFrom); err != nil {
		return nil, fmt.Errorf("invalid valid_from for %s: %w", a.ID, err)
	}
	if a.ValidTo, err = time.Parse(timeLayout, validTo); err != nil {
		return nil, fmt.Errorf("invalid valid_to for %s: %w", a.ID, err)
	}
	return &a, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SweepRun records one rounding-correction pass.
type SweepRun struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"` // running, completed, failed, skipped
	Corrected   int        `json:"corrected"`
	Failed      int        `json:"failed"`
	Total       int        `json:"total"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SaveSweepRun inserts or updates a run record.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: r.CompletedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, mode, status, corrected, failed, total, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			corrected = excluded.corrected,
			failed = excluded.failed,
			total = excluded.total,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, r.ID, r.Mode, r.Status, r.Corrected, r.Failed, r.Total, nullString(r.Error),
		r.StartedAt.UTC().Format(timeLayout), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save sweep run: %w", err)
	}
	return nil
}

// ListSweepRuns returns the most recent runs first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, corrected, failed, total, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var (
			r           SweepRun
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Status, &r.Corrected, &r.Failed, &r.Total, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sweep run: %w", err)
		}
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
