package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// Schema for the Postgres-backed store. The history table carries a per-invoice
// sequence so ordering does not depend on timestamp resolution; the audit table
// enforces the one-result-per-scenario invariant with a composite primary key.
const schema = `
CREATE TABLE IF NOT EXISTS invoices (
    id                TEXT PRIMARY KEY,
    applicant_id      TEXT NOT NULL,
    applicant_name    TEXT NOT NULL,
    applicant_role    TEXT NOT NULL,
    applicant_title   TEXT NOT NULL DEFAULT '',
    invoice_number    TEXT NOT NULL,
    vendor            TEXT NOT NULL,
    amount            BIGINT NOT NULL,
    issue_date        TEXT NOT NULL,
    image_ref         TEXT NOT NULL,
    status            TEXT NOT NULL,
    account_title     TEXT NOT NULL,
    purchasing_category TEXT NOT NULL DEFAULT '',
    corrected_by_scrutinizer BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_history (
    invoice_id  TEXT NOT NULL REFERENCES invoices(id),
    seq         INT NOT NULL,
    status      TEXT NOT NULL,
    actor_id    TEXT NOT NULL,
    actor_name  TEXT NOT NULL,
    actor_role  TEXT NOT NULL,
    actor_title TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL,
    comment     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (invoice_id, seq)
);

CREATE TABLE IF NOT EXISTS invoice_audit_results (
    invoice_id    TEXT NOT NULL REFERENCES invoices(id),
    scenario_id   TEXT NOT NULL,
    scenario_name TEXT NOT NULL,
    checked_at    TIMESTAMPTZ NOT NULL,
    checker_id    TEXT NOT NULL,
    checker_name  TEXT NOT NULL,
    checker_role  TEXT NOT NULL,
    result        TEXT NOT NULL,
    comment       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (invoice_id, scenario_id)
);
`

const (
	// lockInvoiceQuery takes the per-invoice row lock. It must stay a plain
	// row query: Postgres rejects FOR UPDATE combined with aggregates.
	lockInvoiceQuery = `SELECT 1 FROM invoices WHERE id = $1 FOR UPDATE`

	// maxHistorySeqQuery reads the highest history sequence while the row
	// lock above is held.
	maxHistorySeqQuery = `SELECT COALESCE(MAX(seq), 0) FROM invoice_history WHERE invoice_id = $1`

	// transitionUpdateQuery merges nullable field updates with COALESCE so a
	// nil update leaves the stored column untouched.
	transitionUpdateQuery = `
		UPDATE invoices
		SET status = $2,
		    account_title = COALESCE($3, account_title),
		    purchasing_category = COALESCE($4, purchasing_category),
		    corrected_by_scrutinizer = COALESCE($5, corrected_by_scrutinizer),
		    updated_at = $6
		WHERE id = $1
	`
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to ensure schema")
	}
	return nil
}

// Create inserts the invoice and its first history entry in one transaction.
func (s *PostgresStore) Create(ctx context.Context, draft Draft) (*domain.Invoice, error) {
	if !draft.Status.IsValid() {
		return nil, apperrors.InvalidInput("status", "unknown invoice status")
	}

	now := s.now().UTC()
	inv := &domain.Invoice{
		ID:            uuid.NewString(),
		Applicant:     draft.Applicant,
		InvoiceNumber: draft.InvoiceNumber,
		Vendor:        draft.Vendor,
		Amount:        draft.Amount,
		IssueDate:     draft.IssueDate,
		ImageRef:      draft.ImageRef,
		Status:        draft.Status,
		AccountTitle:  draft.AccountTitle,
		History: []domain.HistoryEntry{{
			Status:    draft.Status,
			Actor:     draft.Applicant,
			Timestamp: now,
			Comment:   draft.Comment,
		}},
		AuditHistory: make(map[string]domain.AuditResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.inTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO invoices (id, applicant_id, applicant_name, applicant_role, applicant_title,
			                      invoice_number, vendor, amount, issue_date, image_ref,
			                      status, account_title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		if _, err := tx.Exec(ctx, query,
			inv.ID,
			inv.Applicant.ID,
			inv.Applicant.Name,
			string(inv.Applicant.Role),
			inv.Applicant.Title,
			inv.InvoiceNumber,
			inv.Vendor,
			inv.Amount,
			inv.IssueDate,
			inv.ImageRef,
			string(inv.Status),
			inv.AccountTitle,
			inv.CreatedAt,
			inv.UpdatedAt,
		); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create invoice")
		}

		return s.insertHistory(ctx, tx, inv.ID, 1, inv.History[0])
	})
	if err != nil {
		return nil, err
	}

	return inv, nil
}

// Get retrieves an invoice with its history and audit results.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	query := `
		SELECT id, applicant_id, applicant_name, applicant_role, applicant_title,
		       invoice_number, vendor, amount, issue_date, image_ref,
		       status, account_title, purchasing_category, corrected_by_scrutinizer,
		       created_at, updated_at
		FROM invoices
		WHERE id = $1
	`

	inv, err := scanInvoice(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("invoice", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get invoice")
	}

	if err := s.loadHistory(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.loadAuditResults(ctx, inv); err != nil {
		return nil, err
	}

	return inv, nil
}

// List retrieves all invoices, oldest first.
func (s *PostgresStore) List(ctx context.Context) ([]*domain.Invoice, error) {
	query := `
		SELECT id, applicant_id, applicant_name, applicant_role, applicant_title,
		       invoice_number, vendor, amount, issue_date, image_ref,
		       status, account_title, purchasing_category, corrected_by_scrutinizer,
		       created_at, updated_at
		FROM invoices
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list invoices")
	}
	defer rows.Close()

	invoices := make([]*domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan invoice")
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list invoices")
	}

	for _, inv := range invoices {
		if err := s.loadHistory(ctx, inv); err != nil {
			return nil, err
		}
		if err := s.loadAuditResults(ctx, inv); err != nil {
			return nil, err
		}
	}

	return invoices, nil
}

// ApplyTransition appends one history entry and merges field updates in one
// transaction. The invoice row is locked for the duration, which provides the
// single-writer-per-invoice guarantee.
func (s *PostgresStore) ApplyTransition(ctx context.Context, id string, entry domain.HistoryEntry, updates FieldUpdates) (*domain.Invoice, error) {
	if !entry.Status.IsValid() {
		return nil, apperrors.InvalidInput("status", "unknown invoice status")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	err := s.inTransaction(ctx, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, lockInvoiceQuery, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("invoice", id)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to lock invoice")
		}

		var seq int
		if err := tx.QueryRow(ctx, maxHistorySeqQuery, id).Scan(&seq); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to read history sequence")
		}

		if err := s.insertHistory(ctx, tx, id, seq+1, entry); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, transitionUpdateQuery,
			id,
			string(entry.Status),
			updates.AccountTitle,
			updates.PurchasingCategory,
			updates.IsCorrectedByScrutinizer,
			entry.Timestamp,
		); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update invoice")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// RecordAuditResult upserts the result keyed by (invoice, scenario).
func (s *PostgresStore) RecordAuditResult(ctx context.Context, id string, result domain.AuditResult) error {
	if result.ScenarioID == "" {
		return apperrors.InvalidInput("scenarioId", "scenario id is required")
	}

	query := `
		INSERT INTO invoice_audit_results
		    (invoice_id, scenario_id, scenario_name, checked_at,
		     checker_id, checker_name, checker_role, result, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (invoice_id, scenario_id) DO UPDATE
		SET scenario_name = EXCLUDED.scenario_name,
		    checked_at    = EXCLUDED.checked_at,
		    checker_id    = EXCLUDED.checker_id,
		    checker_name  = EXCLUDED.checker_name,
		    checker_role  = EXCLUDED.checker_role,
		    result        = EXCLUDED.result,
		    comment       = EXCLUDED.comment
	`

	_, err := s.pool.Exec(ctx, query,
		id,
		result.ScenarioID,
		result.ScenarioName,
		result.CheckedAt,
		result.CheckedBy.ID,
		result.CheckedBy.Name,
		string(result.CheckedBy.Role),
		string(result.Result),
		result.Comment,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.NotFound("invoice", id)
		}
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to record audit result")
	}

	return nil
}

// isForeignKeyViolation reports whether err is SQLSTATE 23503
// (foreign_key_violation). For audit result writes that means the referenced
// invoice row is missing.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ── internal helpers ──────────────────────────────────────────────────────────

func (s *PostgresStore) inTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) insertHistory(ctx context.Context, tx pgx.Tx, invoiceID string, seq int, entry domain.HistoryEntry) error {
	query := `
		INSERT INTO invoice_history
		    (invoice_id, seq, status, actor_id, actor_name, actor_role, actor_title, recorded_at, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.Exec(ctx, query,
		invoiceID,
		seq,
		string(entry.Status),
		entry.Actor.ID,
		entry.Actor.Name,
		string(entry.Actor.Role),
		entry.Actor.Title,
		entry.Timestamp,
		entry.Comment,
	); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append history entry")
	}
	return nil
}

func (s *PostgresStore) loadHistory(ctx context.Context, inv *domain.Invoice) error {
	query := `
		SELECT status, actor_id, actor_name, actor_role, actor_title, recorded_at, comment
		FROM invoice_history
		WHERE invoice_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, inv.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get invoice history")
	}
	defer rows.Close()

	inv.History = inv.History[:0]
	for rows.Next() {
		var entry domain.HistoryEntry
		var status, role string
		if err := rows.Scan(
			&status,
			&entry.Actor.ID,
			&entry.Actor.Name,
			&role,
			&entry.Actor.Title,
			&entry.Timestamp,
			&entry.Comment,
		); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan history entry")
		}
		entry.Status = domain.InvoiceStatus(status)
		entry.Actor.Role = domain.Role(role)
		inv.History = append(inv.History, entry)
	}
	return rows.Err()
}

func (s *PostgresStore) loadAuditResults(ctx context.Context, inv *domain.Invoice) error {
	query := `
		SELECT scenario_id, scenario_name, checked_at,
		       checker_id, checker_name, checker_role, result, comment
		FROM invoice_audit_results
		WHERE invoice_id = $1
	`

	rows, err := s.pool.Query(ctx, query, inv.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to get audit results")
	}
	defer rows.Close()

	inv.AuditHistory = make(map[string]domain.AuditResult)
	for rows.Next() {
		var result domain.AuditResult
		var role, verdict string
		if err := rows.Scan(
			&result.ScenarioID,
			&result.ScenarioName,
			&result.CheckedAt,
			&result.CheckedBy.ID,
			&result.CheckedBy.Name,
			&role,
			&verdict,
			&result.Comment,
		); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan audit result")
		}
		result.CheckedBy.Role = domain.Role(role)
		result.Result = domain.AuditVerdict(verdict)
		inv.AuditHistory[result.ScenarioID] = result
	}
	return rows.Err()
}

type invoiceScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(sc invoiceScanner) (*domain.Invoice, error) {
	inv := &domain.Invoice{}
	var role, status string
	err := sc.Scan(
		&inv.ID,
		&inv.Applicant.ID,
		&inv.Applicant.Name,
		&role,
		&inv.Applicant.Title,
		&inv.InvoiceNumber,
		&inv.Vendor,
		&inv.Amount,
		&inv.IssueDate,
		&inv.ImageRef,
		&status,
		&inv.AccountTitle,
		&inv.PurchasingCategory,
		&inv.IsCorrectedByScrutinizer,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Applicant.Role = domain.Role(role)
	inv.Status = domain.InvoiceStatus(status)
	return inv, nil
}
