package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/logger"
	"github.com/keiri-ai/be-invoice-approval/internal/store"
)

// auditFake scripts AuditBatch behavior per invoice number and records the
// context each call received.
type auditFake struct {
	mu    sync.Mutex
	calls []auditCall

	verdictFor func(inv *domain.Invoice, scenarios []domain.AuditScenario) ([]llm.ScenarioVerdict, error)
	verify     *llm.Verification
	verifyErr  error
	key        string
	keyErr     error
	fieldsOut  *llm.Verification
	fieldsErr  error
}

type auditCall struct {
	invoiceNumber string
	scenarioIDs   []string
	population    int
}

func (f *auditFake) Extract(ctx context.Context, file llm.File, known []string) (*llm.Extraction, error) {
	return nil, errors.New("not scripted")
}

func (f *auditFake) Verify(ctx context.Context, inv *domain.Invoice) (*llm.Verification, error) {
	return f.verify, f.verifyErr
}

func (f *auditFake) SuggestCategory(ctx context.Context, inv *domain.Invoice, known []string) (string, error) {
	return "", errors.New("not scripted")
}

func (f *auditFake) ExtractKey(ctx context.Context, file llm.File) (string, error) {
	return f.key, f.keyErr
}

func (f *auditFake) VerifyFields(ctx context.Context, file llm.File, record map[string]string, fields []llm.Field) (*llm.Verification, error) {
	return f.fieldsOut, f.fieldsErr
}

func (f *auditFake) AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, all []*domain.Invoice) ([]llm.ScenarioVerdict, error) {
	ids := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		ids = append(ids, sc.ID)
	}
	f.mu.Lock()
	f.calls = append(f.calls, auditCall{
		invoiceNumber: inv.InvoiceNumber,
		scenarioIDs:   ids,
		population:    len(all),
	})
	f.mu.Unlock()

	if f.verdictFor != nil {
		return f.verdictFor(inv, scenarios)
	}
	return passAll(scenarios), nil
}

func (f *auditFake) ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error) {
	return "", errors.New("not scripted")
}

func passAll(scenarios []domain.AuditScenario) []llm.ScenarioVerdict {
	out := make([]llm.ScenarioVerdict, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, llm.ScenarioVerdict{ScenarioID: sc.ID, Result: domain.VerdictPass, Comment: "ok"})
	}
	return out
}

var (
	auditor = domain.User{ID: "a-1", Name: "Mori", Role: domain.RoleAuditor}

	scenarioAmount = domain.AuditScenario{
		ID:    "sc-amount",
		Name:  "amount threshold",
		Rule:  "flag invoices above the approval limit",
		Scope: domain.ScopeSingle,
	}
	scenarioSplit = domain.AuditScenario{
		ID:    "sc-split",
		Name:  "split orders",
		Rule:  "flag orders split to stay under the approval limit",
		Scope: domain.ScopeAll,
	}
)

func seedInvoices(t *testing.T, st store.Store, numbers ...string) []*domain.Invoice {
	t.Helper()
	out := make([]*domain.Invoice, 0, len(numbers))
	for _, num := range numbers {
		inv, err := st.Create(context.Background(), store.Draft{
			Applicant:     domain.User{ID: "u-1", Name: "Sato", Role: domain.RoleApplicant},
			InvoiceNumber: num,
			Vendor:        "Acme KK",
			Amount:        90_000,
			IssueDate:     "2026-08-01",
			AccountTitle:  "consumables",
			Status:        domain.StatusCompleted,
		})
		require.NoError(t, err)
		out = append(out, inv)
	}
	return out
}

func newTestOrchestrator(st store.Store, provider llm.Provider) *Orchestrator {
	return NewOrchestrator(st, provider, nil, logger.Nop(), Config{MaxParallel: 1})
}

func TestBulkAuditNothingToAudit(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(st, &auditFake{})

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
	})
	require.NoError(t, err)
	assert.True(t, report.NothingToAudit)
	assert.Zero(t, report.InvoicesChecked)
}

func TestBulkAuditSkipsInFlightInvoices(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(st, &auditFake{})

	_, err := st.Create(context.Background(), store.Draft{
		Applicant:     domain.User{ID: "u-1", Name: "Sato", Role: domain.RoleApplicant},
		InvoiceNumber: "INV-1",
		Vendor:        "Acme KK",
		Amount:        90_000,
		IssueDate:     "2026-08-01",
		AccountTitle:  "consumables",
		Status:        domain.StatusPendingManagerApproval,
	})
	require.NoError(t, err)

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
	})
	require.NoError(t, err)
	assert.True(t, report.NothingToAudit)
}

func TestBulkAuditRecordsVerdicts(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{}
	o := newTestOrchestrator(st, fake)
	invoices := seedInvoices(t, st, "INV-1", "INV-2")

	var progress []int
	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
		OnProgress: func(done, total int) {
			progress = append(progress, done)
			assert.Equal(t, 2, total)
		},
	})
	require.NoError(t, err)

	assert.False(t, report.NothingToAudit)
	assert.Equal(t, 2, report.InvoicesChecked)
	assert.Equal(t, 2, report.VerdictsTotal)
	assert.Empty(t, report.Findings)
	assert.Equal(t, []int{1, 2}, progress)

	for _, inv := range invoices {
		got, err := st.Get(context.Background(), inv.ID)
		require.NoError(t, err)
		res, ok := got.AuditHistory[scenarioAmount.ID]
		require.True(t, ok)
		assert.Equal(t, domain.VerdictPass, res.Result)
		assert.Equal(t, auditor, res.CheckedBy)
	}
}

func TestBulkAuditSkipsAlreadyChecked(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{}
	o := newTestOrchestrator(st, fake)
	invoices := seedInvoices(t, st, "INV-1", "INV-2")

	require.NoError(t, st.RecordAuditResult(context.Background(), invoices[0].ID, domain.AuditResult{
		ScenarioID: scenarioAmount.ID,
		Result:     domain.VerdictPass,
	}))

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvoicesChecked)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "INV-2", fake.calls[0].invoiceNumber)
}

func TestBulkAuditRerunReplacesResults(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{
		verdictFor: func(inv *domain.Invoice, scenarios []domain.AuditScenario) ([]llm.ScenarioVerdict, error) {
			return []llm.ScenarioVerdict{{ScenarioID: scenarioAmount.ID, Result: domain.VerdictFail, Comment: "over limit"}}, nil
		},
	}
	o := newTestOrchestrator(st, fake)
	invoices := seedInvoices(t, st, "INV-1")

	require.NoError(t, st.RecordAuditResult(context.Background(), invoices[0].ID, domain.AuditResult{
		ScenarioID: scenarioAmount.ID,
		Result:     domain.VerdictPass,
	}))

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
		Rerun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvoicesChecked)

	got, err := st.Get(context.Background(), invoices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, got.AuditHistory[scenarioAmount.ID].Result)
	assert.Len(t, got.AuditHistory, 1)
}

func TestBulkAuditScopePartitioning(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{}
	o := newTestOrchestrator(st, fake)
	seedInvoices(t, st, "INV-1", "INV-2", "INV-3")

	_, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount, scenarioSplit},
	})
	require.NoError(t, err)

	// two calls per invoice: isolated scenarios never see the population,
	// cross-invoice scenarios always do
	require.Len(t, fake.calls, 6)
	for _, call := range fake.calls {
		switch call.scenarioIDs[0] {
		case scenarioAmount.ID:
			assert.Zero(t, call.population)
		case scenarioSplit.ID:
			assert.Equal(t, 3, call.population)
		default:
			t.Fatalf("unexpected scenario %v", call.scenarioIDs)
		}
	}
}

func TestBulkAuditFailedCallBecomesFailVerdict(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{
		verdictFor: func(inv *domain.Invoice, scenarios []domain.AuditScenario) ([]llm.ScenarioVerdict, error) {
			if inv.InvoiceNumber == "INV-1" {
				return nil, errors.New("backend unavailable")
			}
			return passAll(scenarios), nil
		},
	}
	o := newTestOrchestrator(st, fake)
	invoices := seedInvoices(t, st, "INV-1", "INV-2")

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
	})
	require.NoError(t, err)

	// the failing invoice is reported, the healthy one still completed
	assert.Equal(t, 2, report.InvoicesChecked)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "INV-1", report.Findings[0].InvoiceNumber)
	require.Len(t, report.Findings[0].Failures, 1)
	assert.Contains(t, report.Findings[0].Failures[0].Comment, "audit could not be completed")

	got, err := st.Get(context.Background(), invoices[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, got.AuditHistory[scenarioAmount.ID].Result)
}

func TestBulkAuditMissingVerdictFails(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{
		verdictFor: func(inv *domain.Invoice, scenarios []domain.AuditScenario) ([]llm.ScenarioVerdict, error) {
			// the backend answers for a scenario nobody asked about
			return []llm.ScenarioVerdict{{ScenarioID: "sc-other", Result: domain.VerdictPass}}, nil
		},
	}
	o := newTestOrchestrator(st, fake)
	seedInvoices(t, st, "INV-1")

	report, err := o.RunBulkAudit(context.Background(), BulkAuditRequest{
		Actor:     auditor,
		Scenarios: []domain.AuditScenario{scenarioAmount},
	})
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	require.Len(t, report.Findings[0].Failures, 1)
	assert.Equal(t, "no verdict returned for this scenario", report.Findings[0].Failures[0].Comment)
}

func TestIntegrityCheckSampling(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{verify: &llm.Verification{Match: true, Reason: "consistent"}}
	o := newTestOrchestrator(st, fake)
	seedInvoices(t, st, "INV-1", "INV-2", "INV-3", "INV-4")

	var seq []int
	o.randIntn = func(n int) int {
		// deterministic walk over the population
		seq = append(seq, n)
		return len(seq) % n
	}

	report, err := o.RunIntegrityCheck(context.Background(), IntegrityRequest{SampleSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Population)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Mismatches)
	assert.Len(t, report.Results, 2)
}

func TestIntegrityCheckCountsFailedCallsAsMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &auditFake{verifyErr: errors.New("backend unavailable")}
	o := newTestOrchestrator(st, fake)
	seedInvoices(t, st, "INV-1")

	report, err := o.RunIntegrityCheck(context.Background(), IntegrityRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Mismatches)
	assert.Contains(t, report.Results[0].Reason, "verification could not be completed")
}
