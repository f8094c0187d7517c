// Package audit runs AI compliance checks over the invoice collection. A run
// never aborts on a single failed scenario; failures become fail verdicts and
// the run continues, so one flaky call cannot hide findings elsewhere.
package audit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/logger"
	"github.com/keiri-ai/be-invoice-approval/internal/observability"
	"github.com/keiri-ai/be-invoice-approval/internal/store"
)

// Config tunes orchestrator behavior.
type Config struct {
	// MaxParallel bounds how many invoices are audited concurrently.
	// Values below 1 mean strictly sequential.
	MaxParallel int
}

// Orchestrator coordinates bulk scenario audits, integrity re-checks and
// external document audits.
type Orchestrator struct {
	store    store.Store
	provider llm.Provider
	metrics  *observability.Metrics
	log      *logger.Logger
	cfg      Config
	now      func() time.Time

	// randIntn is swappable for deterministic sampling in tests.
	randIntn func(n int) int
}

// NewOrchestrator creates the audit orchestrator. metrics may be nil.
func NewOrchestrator(st store.Store, provider llm.Provider, metrics *observability.Metrics, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Orchestrator{
		store:    st,
		provider: provider,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		randIntn: defaultRandIntn,
	}
}

// ── Bulk scenario audit ───────────────────────────────────────────────────────

// BulkAuditRequest describes one bulk run.
type BulkAuditRequest struct {
	Actor     domain.User
	Scenarios []domain.AuditScenario

	// Rerun re-evaluates scenarios that already have a recorded result.
	// The new result replaces the old one.
	Rerun bool

	// OnProgress, when set, is called after each invoice finishes with the
	// number of completed invoices and the run total.
	OnProgress func(completed, total int)
}

// InvoiceFindings groups the failed verdicts of one invoice.
type InvoiceFindings struct {
	InvoiceID     string               `json:"invoiceId"`
	InvoiceNumber string               `json:"invoiceNumber"`
	Failures      []domain.AuditResult `json:"failures"`
}

// BulkAuditReport summarizes one bulk run. NothingToAudit distinguishes an
// empty work list from a run that checked invoices and found no failures.
type BulkAuditReport struct {
	NothingToAudit  bool              `json:"nothingToAudit"`
	InvoicesChecked int               `json:"invoicesChecked"`
	VerdictsTotal   int               `json:"verdictsTotal"`
	Findings        []InvoiceFindings `json:"findings"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt"`
}

// workItem is one invoice with the scenarios still pending for it.
type workItem struct {
	invoice *domain.Invoice
	pending []domain.AuditScenario
}

// RunBulkAudit evaluates the given scenarios against every invoice that still
// needs them. Scenarios with a recorded result are skipped unless Rerun is
// set. Invoices are processed independently; a failure on one never stops the
// others.
func (o *Orchestrator) RunBulkAudit(ctx context.Context, req BulkAuditRequest) (*BulkAuditReport, error) {
	start := o.now()

	work, err := o.buildWorkList(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(work) == 0 {
		o.log.Info().Msg("Bulk audit requested but nothing is pending")
		o.metrics.RecordAuditRun("bulk", "nothing_to_audit", o.now().Sub(start))
		return &BulkAuditReport{NothingToAudit: true, StartedAt: start, FinishedAt: o.now()}, nil
	}

	o.log.Info().
		Int("invoices", len(work)).
		Int("scenarios", len(req.Scenarios)).
		Bool("rerun", req.Rerun).
		Msg("Bulk audit started")

	// Cross-invoice scenarios see the whole collection as context, so the
	// population is snapshotted once for the run.
	population, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		completed int
		findings  = make([]InvoiceFindings, len(work))
		verdicts  int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.MaxParallel)

	for i, item := range work {
		group.Go(func() error {
			results, err := o.auditInvoice(groupCtx, item, population, req.Actor)
			if err != nil {
				return err
			}

			var failures []domain.AuditResult
			for _, res := range results {
				if res.Result == domain.VerdictFail {
					failures = append(failures, res)
				}
			}

			mu.Lock()
			verdicts += len(results)
			findings[i] = InvoiceFindings{
				InvoiceID:     item.invoice.ID,
				InvoiceNumber: item.invoice.InvoiceNumber,
				Failures:      failures,
			}
			completed++
			done := completed
			mu.Unlock()

			if req.OnProgress != nil {
				req.OnProgress(done, len(work))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		o.metrics.RecordAuditRun("bulk", "aborted", o.now().Sub(start))
		return nil, err
	}

	report := &BulkAuditReport{
		InvoicesChecked: len(work),
		VerdictsTotal:   verdicts,
		StartedAt:       start,
		FinishedAt:      o.now(),
	}
	for _, f := range findings {
		if len(f.Failures) > 0 {
			report.Findings = append(report.Findings, f)
		}
	}

	o.log.Info().
		Int("invoices", report.InvoicesChecked).
		Int("verdicts", report.VerdictsTotal).
		Int("invoices_with_findings", len(report.Findings)).
		Dur("elapsed", report.FinishedAt.Sub(start)).
		Msg("Bulk audit finished")

	o.metrics.RecordAuditRun("bulk", "completed", report.FinishedAt.Sub(start))
	return report, nil
}

// buildWorkList pairs each completed invoice with the scenarios it still
// needs. Invoices still in flight are not audited; their fields can change.
func (o *Orchestrator) buildWorkList(ctx context.Context, req BulkAuditRequest) ([]workItem, error) {
	invoices, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var work []workItem
	for _, inv := range invoices {
		if inv.Status != domain.StatusCompleted {
			continue
		}
		var pending []domain.AuditScenario
		for _, sc := range req.Scenarios {
			if !req.Rerun && inv.HasAuditResult(sc.ID) {
				continue
			}
			pending = append(pending, sc)
		}
		if len(pending) > 0 {
			work = append(work, workItem{invoice: inv, pending: pending})
		}
	}
	return work, nil
}

// auditInvoice evaluates one invoice's pending scenarios. Single-scope
// scenarios go in one batched call without the population, cross-invoice
// scenarios in a second call that carries it, so isolated checks never see
// more data than their scope allows.
func (o *Orchestrator) auditInvoice(ctx context.Context, item workItem, population []*domain.Invoice, actor domain.User) ([]domain.AuditResult, error) {
	var single, crossAll []domain.AuditScenario
	for _, sc := range item.pending {
		if sc.Scope == domain.ScopeAll {
			crossAll = append(crossAll, sc)
		} else {
			single = append(single, sc)
		}
	}

	var results []domain.AuditResult
	if len(single) > 0 {
		results = append(results, o.evaluateBatch(ctx, item.invoice, single, nil, actor)...)
	}
	if len(crossAll) > 0 {
		results = append(results, o.evaluateBatch(ctx, item.invoice, crossAll, population, actor)...)
	}

	for _, res := range results {
		if err := o.store.RecordAuditResult(ctx, item.invoice.ID, res); err != nil {
			return nil, err
		}
		o.metrics.RecordVerdict(string(res.Result))
	}
	return results, nil
}

// evaluateBatch runs one provider call and normalizes its verdicts. A failed
// call or a missing verdict yields a fail result; absence of evidence is
// never treated as a pass.
func (o *Orchestrator) evaluateBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, population []*domain.Invoice, actor domain.User) []domain.AuditResult {
	checkedAt := o.now().UTC()
	checkedBy := actor
	if checkedBy.ID == "" {
		checkedBy = domain.SystemActor
	}

	verdicts, err := o.provider.AuditBatch(ctx, inv, scenarios, population)
	if err != nil {
		o.metrics.RecordLLMFailure("audit_batch")
		o.log.Warn().Err(err).
			Str("invoice_id", inv.ID).
			Int("scenarios", len(scenarios)).
			Msg("Audit call failed, recording fail verdicts")

		results := make([]domain.AuditResult, 0, len(scenarios))
		for _, sc := range scenarios {
			results = append(results, domain.AuditResult{
				ScenarioID:   sc.ID,
				ScenarioName: sc.Name,
				CheckedAt:    checkedAt,
				CheckedBy:    checkedBy,
				Result:       domain.VerdictFail,
				Comment:      "audit could not be completed: " + err.Error(),
			})
		}
		return results
	}

	byID := make(map[string]llm.ScenarioVerdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.ScenarioID] = v
	}

	results := make([]domain.AuditResult, 0, len(scenarios))
	for _, sc := range scenarios {
		res := domain.AuditResult{
			ScenarioID:   sc.ID,
			ScenarioName: sc.Name,
			CheckedAt:    checkedAt,
			CheckedBy:    checkedBy,
		}
		if v, ok := byID[sc.ID]; ok && (v.Result == domain.VerdictPass || v.Result == domain.VerdictFail) {
			res.Result = v.Result
			res.Comment = v.Comment
		} else {
			res.Result = domain.VerdictFail
			res.Comment = "no verdict returned for this scenario"
		}
		results = append(results, res)
	}
	return results
}
