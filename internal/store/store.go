// Package store owns the mutable invoice collection. All mutation funnels
// through this API so the append-only history and audit-upsert invariants
// hold no matter which component is writing.
package store

import (
	"context"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// Draft carries the applicant-supplied fields for a new invoice. The store
// assigns the id and writes the first history entry.
type Draft struct {
	Applicant     domain.User
	InvoiceNumber string
	Vendor        string
	Amount        int64
	IssueDate     string
	ImageRef      string
	AccountTitle  string
	Status        domain.InvoiceStatus
	Comment       string
}

// FieldUpdates is the set of mutable fields a transition may touch. Nil
// pointers leave the field unchanged.
type FieldUpdates struct {
	AccountTitle             *string
	PurchasingCategory       *string
	IsCorrectedByScrutinizer *bool
}

// Store holds invoices and enforces structural integrity. Mutations replace
// whole invoices so readers never see partial writes. Implementations must
// guarantee single-writer-at-a-time semantics per invoice id.
type Store interface {
	// Create assigns an id and writes the initial history entry.
	Create(ctx context.Context, draft Draft) (*domain.Invoice, error)

	// Get returns a copy of the invoice or a NotFound error.
	Get(ctx context.Context, id string) (*domain.Invoice, error)

	// List returns copies of all invoices ordered by creation time.
	List(ctx context.Context) ([]*domain.Invoice, error)

	// ApplyTransition atomically appends one history entry, sets the invoice
	// status to the entry's status, and merges field updates.
	ApplyTransition(ctx context.Context, id string, entry domain.HistoryEntry, updates FieldUpdates) (*domain.Invoice, error)

	// RecordAuditResult upserts an audit result keyed by scenario id. A
	// second result for the same scenario replaces the first.
	RecordAuditResult(ctx context.Context, id string, result domain.AuditResult) error
}
