package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// MemoryStore is the in-memory Store implementation. Every mutation builds a
// fresh copy of the invoice and swaps it in under the lock, so concurrently
// held reads stay consistent.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*domain.Invoice

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*domain.Invoice),
		now:      time.Now,
	}
}

// Create assigns an id and writes the initial history entry.
func (s *MemoryStore) Create(_ context.Context, draft Draft) (*domain.Invoice, error) {
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

	s.mu.Lock()
	s.invoices[inv.ID] = inv
	s.mu.Unlock()

	return inv.Clone(), nil
}

// Get returns a copy of the invoice or a NotFound error.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, apperrors.NotFound("invoice", id)
	}
	return inv.Clone(), nil
}

// List returns copies of all invoices, oldest first.
func (s *MemoryStore) List(_ context.Context) ([]*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ApplyTransition appends one history entry and merges field updates as a
// single whole-invoice replacement.
func (s *MemoryStore) ApplyTransition(_ context.Context, id string, entry domain.HistoryEntry, updates FieldUpdates) (*domain.Invoice, error) {
	if !entry.Status.IsValid() {
		return nil, apperrors.InvalidInput("status", "unknown invoice status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, apperrors.NotFound("invoice", id)
	}

	next := inv.Clone()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	next.History = append(next.History, entry)
	next.Status = entry.Status
	next.UpdatedAt = entry.Timestamp

	if updates.AccountTitle != nil {
		next.AccountTitle = *updates.AccountTitle
	}
	if updates.PurchasingCategory != nil {
		next.PurchasingCategory = *updates.PurchasingCategory
	}
	if updates.IsCorrectedByScrutinizer != nil {
		next.IsCorrectedByScrutinizer = *updates.IsCorrectedByScrutinizer
	}

	s.invoices[id] = next
	return next.Clone(), nil
}

// RecordAuditResult upserts the result keyed by scenario id.
func (s *MemoryStore) RecordAuditResult(_ context.Context, id string, result domain.AuditResult) error {
	if result.ScenarioID == "" {
		return apperrors.InvalidInput("scenarioId", "scenario id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return apperrors.NotFound("invoice", id)
	}

	next := inv.Clone()
	next.AuditHistory[result.ScenarioID] = result
	next.UpdatedAt = s.now().UTC()

	s.invoices[id] = next
	return nil
}
