// Package llm defines the AI capability provider consumed by the workflow
// engine and the audit orchestrator, with interchangeable backends selected
// by configuration.
package llm

import (
	"context"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// File is an uploaded document handed to the provider.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Extraction is the structured result of reading an invoice document.
type Extraction struct {
	InvoiceNumber string `json:"invoiceNumber"`
	Vendor        string `json:"vendor"`
	Amount        int64  `json:"amount"`
	IssueDate     string `json:"issueDate"`
	AccountTitle  string `json:"accountTitle"`
}

// Verification is a match/no-match judgement with supporting reasoning.
type Verification struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

// ScenarioVerdict is one per-scenario outcome from a batched audit call.
type ScenarioVerdict struct {
	ScenarioID string              `json:"scenarioId"`
	Result     domain.AuditVerdict `json:"result"`
	Comment    string              `json:"comment"`
}

// Field names one record attribute to verify against a document.
type Field struct {
	// Key indexes the dataset record.
	Key string `json:"key"`
	// Label is the human-readable name shown in prompts and reports.
	Label string `json:"label"`
}

// Provider is the single capability surface over an AI backend. All calls are
// network-bound and fallible; callers decide about retries.
type Provider interface {
	// Extract reads structured invoice fields from a document. The account
	// title is chosen from knownAccountTitles.
	Extract(ctx context.Context, file File, knownAccountTitles []string) (*Extraction, error)

	// Verify compares an invoice's claimed fields against its source image.
	Verify(ctx context.Context, inv *domain.Invoice) (*Verification, error)

	// SuggestCategory picks a purchasing category from knownCategories.
	// Implementations substitute the first known category when the backend
	// returns something outside the list.
	SuggestCategory(ctx context.Context, inv *domain.Invoice, knownCategories []string) (string, error)

	// ExtractKey reads the invoice number from a document. An empty string
	// with a nil error means the document carried no readable key.
	ExtractKey(ctx context.Context, file File) (string, error)

	// VerifyFields checks the listed fields of a dataset record against a
	// document.
	VerifyFields(ctx context.Context, file File, record map[string]string, fields []Field) (*Verification, error)

	// AuditBatch evaluates all scenarios against one invoice in a single
	// call. Scenarios with scope "all" see allInvoices as context; the
	// result carries one verdict per input scenario, matched by scenario id.
	AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, allInvoices []*domain.Invoice) ([]ScenarioVerdict, error)

	// ChatAnalyze answers a free-text question about the given invoices.
	ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error)
}
