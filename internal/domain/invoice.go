// Package domain holds the invoice approval data model shared by the store,
// the workflow engine and the audit orchestrator.
package domain

import "time"

// Role is a fixed user role within the approval flow.
type Role string

const (
	RoleApplicant   Role = "applicant"
	RoleManager     Role = "manager"
	RoleAccounting  Role = "accounting"
	RoleScrutinizer Role = "scrutinizer"
	RolePMO         Role = "pmo"
	RoleAuditor     Role = "auditor"
	RoleAdmin       Role = "admin"
	// RoleSystem is the synthetic actor recorded for AI-driven transitions.
	RoleSystem Role = "system"
)

// User identifies an actor. Immutable once created.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
	// Title is an optional authority designation (e.g. "department head")
	// consumed by authority-level audit scenarios.
	Title string `json:"title,omitempty"`
}

// SystemActor is the actor recorded on history entries produced by AI calls.
var SystemActor = User{ID: "system", Name: "AI Verification", Role: RoleSystem}

// InvoiceStatus is a workflow state of an invoice.
type InvoiceStatus string

const (
	StatusDraft                  InvoiceStatus = "draft"
	StatusPendingManagerApproval InvoiceStatus = "pending_manager_approval"
	StatusManagerRejected        InvoiceStatus = "manager_rejected"
	StatusPendingVerification    InvoiceStatus = "pending_verification"
	StatusMismatchDetected       InvoiceStatus = "mismatch_detected"
	StatusAccountingRejected     InvoiceStatus = "accounting_rejected"
	StatusPendingScrutiny        InvoiceStatus = "pending_scrutiny"
	StatusCompleted              InvoiceStatus = "completed"
)

var validStatuses = map[InvoiceStatus]bool{
	StatusDraft:                  true,
	StatusPendingManagerApproval: true,
	StatusManagerRejected:        true,
	StatusPendingVerification:    true,
	StatusMismatchDetected:       true,
	StatusAccountingRejected:     true,
	StatusPendingScrutiny:        true,
	StatusCompleted:              true,
}

// Rejected states are terminal; resubmission creates a new invoice.
var terminalStatuses = map[InvoiceStatus]bool{
	StatusManagerRejected:    true,
	StatusAccountingRejected: true,
	StatusCompleted:          true,
}

// IsValid reports whether s is a known workflow status.
func (s InvoiceStatus) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether no transitions lead out of s.
func (s InvoiceStatus) IsTerminal() bool { return terminalStatuses[s] }

func (s InvoiceStatus) String() string { return string(s) }

// HistoryEntry records one status change. Entries are append-only and never
// reordered; the newest entry's status always equals the invoice status.
type HistoryEntry struct {
	Status    InvoiceStatus `json:"status"`
	Actor     User          `json:"actor"`
	Timestamp time.Time     `json:"timestamp"`
	Comment   string        `json:"comment,omitempty"`
}

// AuditVerdict is the outcome of one scenario evaluation.
type AuditVerdict string

const (
	VerdictPass AuditVerdict = "pass"
	VerdictFail AuditVerdict = "fail"
)

// AuditResult is one recorded scenario evaluation for an invoice. At most one
// result per scenario id exists per invoice; re-running replaces it.
type AuditResult struct {
	ScenarioID   string       `json:"scenarioId"`
	ScenarioName string       `json:"scenarioName"`
	CheckedAt    time.Time    `json:"checkedAt"`
	CheckedBy    User         `json:"checkedBy"`
	Result       AuditVerdict `json:"result"`
	Comment      string       `json:"comment"`
}

// ScenarioScope selects how much invoice context a scenario evaluation sees.
type ScenarioScope string

const (
	// ScopeSingle evaluates one invoice in isolation.
	ScopeSingle ScenarioScope = "single"
	// ScopeAll evaluates an invoice with the full invoice set as context,
	// for cross-invoice patterns such as split-order detection.
	ScopeAll ScenarioScope = "all"
)

// ReferenceDocument is supplemental material attached to a scenario.
type ReferenceDocument struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AuditScenario is a named compliance rule. The Rule text is opaque to the
// engine and passed through to the AI capability provider.
type AuditScenario struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Rule        string              `json:"rule"`
	Documents   []ReferenceDocument `json:"documents,omitempty"`
	Scope       ScenarioScope       `json:"scope"`
}

// Invoice is the central entity. Identity and the applicant-supplied fields
// are immutable after creation; status, account title, purchasing category
// and the scrutinizer-correction flag mutate only through workflow
// transitions.
type Invoice struct {
	ID            string `json:"id"`
	Applicant     User   `json:"applicant"`
	InvoiceNumber string `json:"invoiceNumber"`
	Vendor        string `json:"vendor"`
	// Amount is in minor currency units and always positive.
	Amount    int64  `json:"amount"`
	IssueDate string `json:"issueDate"`
	ImageRef  string `json:"imageRef"`

	Status                   InvoiceStatus `json:"status"`
	AccountTitle             string        `json:"accountTitle"`
	PurchasingCategory       string        `json:"purchasingCategory,omitempty"`
	IsCorrectedByScrutinizer bool          `json:"isCorrectedByScrutinizer"`

	History      []HistoryEntry         `json:"history"`
	AuditHistory map[string]AuditResult `json:"auditHistory"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LastHistory returns the most recent history entry, or nil for an invoice
// that has none (which the store never produces).
func (inv *Invoice) LastHistory() *HistoryEntry {
	if len(inv.History) == 0 {
		return nil
	}
	return &inv.History[len(inv.History)-1]
}

// HasAuditResult reports whether a scenario has already been evaluated.
func (inv *Invoice) HasAuditResult(scenarioID string) bool {
	_, ok := inv.AuditHistory[scenarioID]
	return ok
}

// Clone returns a deep copy. The store hands out clones so readers never
// observe partial writes.
func (inv *Invoice) Clone() *Invoice {
	out := *inv
	out.History = make([]HistoryEntry, len(inv.History))
	copy(out.History, inv.History)
	out.AuditHistory = make(map[string]AuditResult, len(inv.AuditHistory))
	for k, v := range inv.AuditHistory {
		out.AuditHistory[k] = v
	}
	return &out
}
