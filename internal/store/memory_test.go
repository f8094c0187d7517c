package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

func newDraft(number string) Draft {
	return Draft{
		Applicant:     domain.User{ID: "u-1", Name: "Sato", Role: domain.RoleApplicant},
		InvoiceNumber: number,
		Vendor:        "Acme KK",
		Amount:        90_000,
		IssueDate:     "2026-08-01",
		AccountTitle:  "consumables",
		Status:        domain.StatusPendingManagerApproval,
		Comment:       "initial submission",
	}
}

func TestCreateWritesInitialHistory(t *testing.T) {
	s := NewMemoryStore()

	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, domain.StatusPendingManagerApproval, inv.Status)
	require.Len(t, inv.History, 1)
	assert.Equal(t, inv.Status, inv.History[0].Status)
	assert.Equal(t, "initial submission", inv.History[0].Comment)
	assert.NotNil(t, inv.AuditHistory)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	copy1, err := s.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	copy1.Status = domain.StatusCompleted
	copy1.History[0].Comment = "tampered"

	copy2, err := s.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingManagerApproval, copy2.Status)
	assert.Equal(t, "initial submission", copy2.History[0].Comment)
}

func TestGetUnknownID(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestListOrdersByCreation(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}

	first, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)
	second, err := s.Create(context.Background(), newDraft("INV-2"))
	require.NoError(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestApplyTransitionKeepsHistoryInvariant(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	category := "software"
	inv, err = s.ApplyTransition(context.Background(), inv.ID, domain.HistoryEntry{
		Status:  domain.StatusPendingScrutiny,
		Actor:   domain.SystemActor,
		Comment: "verified",
	}, FieldUpdates{PurchasingCategory: &category})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPendingScrutiny, inv.Status)
	assert.Equal(t, "software", inv.PurchasingCategory)
	require.Len(t, inv.History, 2)
	assert.Equal(t, inv.Status, inv.LastHistory().Status)
	assert.False(t, inv.LastHistory().Timestamp.IsZero())

	// untouched fields stay put
	assert.Equal(t, "consumables", inv.AccountTitle)
	assert.False(t, inv.IsCorrectedByScrutinizer)
}

func TestApplyTransitionRejectsUnknownStatus(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	_, err = s.ApplyTransition(context.Background(), inv.ID, domain.HistoryEntry{
		Status: domain.InvoiceStatus("bogus"),
	}, FieldUpdates{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
}

func TestRecordAuditResultUpserts(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	first := domain.AuditResult{ScenarioID: "sc-1", Result: domain.VerdictPass, Comment: "ok"}
	require.NoError(t, s.RecordAuditResult(context.Background(), inv.ID, first))

	second := domain.AuditResult{ScenarioID: "sc-1", Result: domain.VerdictFail, Comment: "re-checked"}
	require.NoError(t, s.RecordAuditResult(context.Background(), inv.ID, second))

	got, err := s.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, got.AuditHistory, 1)
	assert.Equal(t, domain.VerdictFail, got.AuditHistory["sc-1"].Result)
	assert.Equal(t, "re-checked", got.AuditHistory["sc-1"].Comment)
}

func TestRecordAuditResultRequiresScenarioID(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	err = s.RecordAuditResult(context.Background(), inv.ID, domain.AuditResult{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
}

func TestConcurrentTransitionsAppendAllEntries(t *testing.T) {
	s := NewMemoryStore()
	inv, err := s.Create(context.Background(), newDraft("INV-1"))
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for range writers {
		go func() {
			defer wg.Done()
			_, err := s.ApplyTransition(context.Background(), inv.ID, domain.HistoryEntry{
				Status: domain.StatusPendingVerification,
				Actor:  domain.SystemActor,
			}, FieldUpdates{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, writers+1)
	assert.Equal(t, got.Status, got.LastHistory().Status)
}
