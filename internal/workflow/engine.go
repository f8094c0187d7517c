// Package workflow implements the invoice approval state machine. Every
// status change funnels through the Engine, which validates the transition
// against the rule table, checks the actor's role, and applies the change
// through the store so the history invariants hold.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/logger"
	"github.com/keiri-ai/be-invoice-approval/internal/observability"
	"github.com/keiri-ai/be-invoice-approval/internal/store"
)

// EventPublisher announces completed transitions to interested systems.
// Publishing is best-effort and never fails a transition.
type EventPublisher interface {
	InvoiceEvent(ctx context.Context, event string, inv *domain.Invoice, actor domain.User)
}

// Engine drives invoices through the approval flow.
type Engine struct {
	store     store.Store
	provider  llm.Provider
	publisher EventPublisher
	metrics   *observability.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewEngine creates the workflow engine. publisher and metrics may be nil.
func NewEngine(st store.Store, provider llm.Provider, publisher EventPublisher, metrics *observability.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		provider:  provider,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitRequest carries the applicant-supplied fields for a new invoice.
type SubmitRequest struct {
	Actor         domain.User
	InvoiceNumber string
	Vendor        string
	Amount        int64
	IssueDate     string
	ImageRef      string
	AccountTitle  string
	Comment       string
}

// Submit validates the draft and creates the invoice awaiting manager
// approval.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*domain.Invoice, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	inv, err := e.store.Create(ctx, store.Draft{
		Applicant:     req.Actor,
		InvoiceNumber: req.InvoiceNumber,
		Vendor:        req.Vendor,
		Amount:        req.Amount,
		IssueDate:     req.IssueDate,
		ImageRef:      req.ImageRef,
		AccountTitle:  req.AccountTitle,
		Status:        domain.StatusPendingManagerApproval,
		Comment:       req.Comment,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("invoice_number", inv.InvoiceNumber).
		Str("applicant", req.Actor.ID).
		Int64("amount", inv.Amount).
		Msg("Invoice submitted")

	e.publish(ctx, "submitted", inv, req.Actor)
	return inv, nil
}

func validateSubmit(req SubmitRequest) error {
	if req.Actor.ID == "" {
		return apperrors.InvalidInput("actor", "actor is required")
	}
	if req.InvoiceNumber == "" {
		return apperrors.InvalidInput("invoiceNumber", "invoice number is required")
	}
	if req.Vendor == "" {
		return apperrors.InvalidInput("vendor", "vendor is required")
	}
	if req.Amount <= 0 {
		return apperrors.InvalidInput("amount", "amount must be positive")
	}
	if _, err := time.Parse("2006-01-02", req.IssueDate); err != nil {
		return apperrors.InvalidInput("issueDate", "must be a YYYY-MM-DD date")
	}
	if req.AccountTitle == "" {
		return apperrors.InvalidInput("accountTitle", "account title is required")
	}
	return nil
}

// ── Intake extraction ─────────────────────────────────────────────────────────

// Extract reads structured invoice fields from an uploaded document. The
// result is a prefill for the submission form, not a stored invoice.
func (e *Engine) Extract(ctx context.Context, file llm.File, knownAccountTitles []string) (*llm.Extraction, error) {
	if len(file.Data) == 0 {
		return nil, apperrors.InvalidInput("file", "file is empty")
	}

	extraction, err := e.provider.Extract(ctx, file, knownAccountTitles)
	if err != nil {
		e.metrics.RecordLLMFailure("extract")
		return nil, err
	}

	e.log.Info().
		Str("file", file.Name).
		Str("invoice_number", extraction.InvoiceNumber).
		Msg("Invoice fields extracted from document")
	return extraction, nil
}

// ── Approval ──────────────────────────────────────────────────────────────────

// ApproveRequest asks for an approval transition. KnownCategories feeds the
// purchasing category suggestion after a successful verification.
type ApproveRequest struct {
	Actor           domain.User
	InvoiceID       string
	Comment         string
	KnownCategories []string
}

// Approve advances an invoice past the current approval gate. From manager
// approval this triggers AI verification of the invoice against its source
// image; the invoice lands in pending scrutiny only when the verification
// reports a match. Any verification failure, including a failed AI call,
// parks the invoice in mismatch detected.
func (e *Engine) Approve(ctx context.Context, req ApproveRequest) (*domain.Invoice, error) {
	start := e.now()

	inv, err := e.store.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inv, ActionApprove, req.Actor); err != nil {
		return nil, err
	}

	switch inv.Status {
	case domain.StatusPendingManagerApproval:
		inv, err = e.managerApprove(ctx, inv, req)
	case domain.StatusMismatchDetected:
		inv, err = e.accountingApprove(ctx, inv, req)
	default:
		return nil, apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("invoice in status %q cannot be approved", inv.Status))
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(string(ActionApprove), inv.Status.String(), e.now().Sub(start))
	e.publish(ctx, "approved", inv, req.Actor)
	return inv, nil
}

// managerApprove records the approval, then verifies the invoice against its
// source document. The interim pending-verification entry is written first so
// the history shows who approved even when verification fails.
func (e *Engine) managerApprove(ctx context.Context, inv *domain.Invoice, req ApproveRequest) (*domain.Invoice, error) {
	inv, err := e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    domain.StatusPendingVerification,
		Actor:     req.Actor,
		Timestamp: e.now(),
		Comment:   req.Comment,
	}, store.FieldUpdates{})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("approver", req.Actor.ID).
		Msg("Manager approved, starting verification")

	verification, err := e.provider.Verify(ctx, inv)
	if err != nil {
		e.metrics.RecordLLMFailure("verify")
		e.log.Warn().Err(err).
			Str("invoice_id", inv.ID).
			Msg("Verification call failed, treating as mismatch")
		return e.recordMismatch(ctx, inv, "automatic verification could not be completed; manual review required")
	}
	if !verification.Match {
		e.log.Info().
			Str("invoice_id", inv.ID).
			Str("reason", verification.Reason).
			Msg("Verification detected a mismatch")
		return e.recordMismatch(ctx, inv, verification.Reason)
	}

	category := e.suggestCategory(ctx, inv, req.KnownCategories)
	comment := verification.Reason
	if comment == "" {
		comment = "document matches the submitted fields"
	}

	inv, err = e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    domain.StatusPendingScrutiny,
		Actor:     domain.SystemActor,
		Timestamp: e.now(),
		Comment:   comment,
	}, store.FieldUpdates{PurchasingCategory: &category})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("purchasing_category", category).
		Msg("Verification passed, invoice awaiting scrutiny")
	return inv, nil
}

// recordMismatch parks the invoice for accounting review. The purchasing
// category is left untouched.
func (e *Engine) recordMismatch(ctx context.Context, inv *domain.Invoice, reason string) (*domain.Invoice, error) {
	return e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    domain.StatusMismatchDetected,
		Actor:     domain.SystemActor,
		Timestamp: e.now(),
		Comment:   reason,
	}, store.FieldUpdates{})
}

// accountingApprove overrides a detected mismatch after manual review.
func (e *Engine) accountingApprove(ctx context.Context, inv *domain.Invoice, req ApproveRequest) (*domain.Invoice, error) {
	category := e.suggestCategory(ctx, inv, req.KnownCategories)

	inv, err := e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    domain.StatusPendingScrutiny,
		Actor:     req.Actor,
		Timestamp: e.now(),
		Comment:   req.Comment,
	}, store.FieldUpdates{PurchasingCategory: &category})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("approver", req.Actor.ID).
		Str("purchasing_category", category).
		Msg("Accounting approved after mismatch review")
	return inv, nil
}

// suggestCategory asks the provider for a purchasing category. A failed call
// falls back to the first known category so an approval never blocks on the
// suggestion.
func (e *Engine) suggestCategory(ctx context.Context, inv *domain.Invoice, known []string) string {
	if len(known) == 0 {
		return ""
	}

	category, err := e.provider.SuggestCategory(ctx, inv, known)
	if err != nil {
		e.metrics.RecordLLMFailure("suggest_category")
		e.log.Warn().Err(err).
			Str("invoice_id", inv.ID).
			Msg("Category suggestion failed, using default")
		return known[0]
	}
	return category
}

// ── Rejection ─────────────────────────────────────────────────────────────────

// RejectRequest asks for a rejection transition. The comment is mandatory so
// the applicant always learns why.
type RejectRequest struct {
	Actor     domain.User
	InvoiceID string
	Comment   string
}

// Reject moves an invoice into the rejected state matching the current gate.
// Rejected states are terminal.
func (e *Engine) Reject(ctx context.Context, req RejectRequest) (*domain.Invoice, error) {
	if req.Comment == "" {
		return nil, apperrors.InvalidInput("comment", "a rejection reason is required")
	}

	start := e.now()

	inv, err := e.store.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inv, ActionReject, req.Actor); err != nil {
		return nil, err
	}

	var target domain.InvoiceStatus
	switch inv.Status {
	case domain.StatusPendingManagerApproval:
		target = domain.StatusManagerRejected
	case domain.StatusMismatchDetected:
		target = domain.StatusAccountingRejected
	default:
		return nil, apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("invoice in status %q cannot be rejected", inv.Status))
	}

	inv, err = e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    target,
		Actor:     req.Actor,
		Timestamp: e.now(),
		Comment:   req.Comment,
	}, store.FieldUpdates{})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("rejected_by", req.Actor.ID).
		Str("status", inv.Status.String()).
		Msg("Invoice rejected")

	e.metrics.RecordTransition(string(ActionReject), inv.Status.String(), e.now().Sub(start))
	e.publish(ctx, "rejected", inv, req.Actor)
	return inv, nil
}

// ── Finalization ──────────────────────────────────────────────────────────────

// FinalizeRequest completes an invoice after scrutiny. PurchasingCategory is
// the scrutinizer's final category; leaving it empty confirms the stored one.
type FinalizeRequest struct {
	Actor              domain.User
	InvoiceID          string
	PurchasingCategory string
	Comment            string
}

// Finalize records the scrutinizer's decision and completes the invoice. The
// correction flag is set exactly when the final purchasing category differs
// from the stored one.
func (e *Engine) Finalize(ctx context.Context, req FinalizeRequest) (*domain.Invoice, error) {
	start := e.now()

	inv, err := e.store.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inv, ActionFinalize, req.Actor); err != nil {
		return nil, err
	}

	final := req.PurchasingCategory
	if final == "" {
		final = inv.PurchasingCategory
	}
	corrected := final != inv.PurchasingCategory

	comment := req.Comment
	if comment == "" {
		if corrected {
			comment = fmt.Sprintf("purchasing category corrected from %q to %q", inv.PurchasingCategory, final)
		} else {
			comment = "purchasing category confirmed"
		}
	}

	inv, err = e.store.ApplyTransition(ctx, inv.ID, domain.HistoryEntry{
		Status:    domain.StatusCompleted,
		Actor:     req.Actor,
		Timestamp: e.now(),
		Comment:   comment,
	}, store.FieldUpdates{
		PurchasingCategory:       &final,
		IsCorrectedByScrutinizer: &corrected,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("invoice_id", inv.ID).
		Str("scrutinizer", req.Actor.ID).
		Bool("corrected", corrected).
		Msg("Invoice completed")

	e.metrics.RecordTransition(string(ActionFinalize), inv.Status.String(), e.now().Sub(start))
	e.publish(ctx, "completed", inv, req.Actor)
	return inv, nil
}

// ── Queries and analysis ──────────────────────────────────────────────────────

// Get returns one invoice.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	return e.store.Get(ctx, id)
}

// List returns all invoices ordered by creation time.
func (e *Engine) List(ctx context.Context) ([]*domain.Invoice, error) {
	return e.store.List(ctx)
}

// ChatAnalyze answers a free-text question about the full invoice set.
func (e *Engine) ChatAnalyze(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", apperrors.InvalidInput("prompt", "prompt is required")
	}

	invoices, err := e.store.List(ctx)
	if err != nil {
		return "", err
	}

	answer, err := e.provider.ChatAnalyze(ctx, prompt, invoices)
	if err != nil {
		e.metrics.RecordLLMFailure("chat_analyze")
		return "", err
	}
	return answer, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// authorize checks that the action is modeled for the invoice's status and
// that the actor holds the role the rule table requires.
func (e *Engine) authorize(inv *domain.Invoice, action Action, actor domain.User) error {
	role, ok := requiredRole(inv.Status, action)
	if !ok {
		return apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("no %s transition from status %q", action, inv.Status))
	}
	if actor.Role != role {
		return apperrors.Unauthorized(
			fmt.Sprintf("role %q cannot %s an invoice in status %q", actor.Role, action, inv.Status))
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, event string, inv *domain.Invoice, actor domain.User) {
	if e.publisher == nil {
		return
	}
	e.publisher.InvoiceEvent(ctx, event, inv, actor)
}
