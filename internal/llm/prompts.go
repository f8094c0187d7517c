package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// Prompt builders shared by all backends. Each operation asks for a strict
// JSON reply so responses parse the same way regardless of provider.

func extractionPrompt(knownAccountTitles []string) string {
	return fmt.Sprintf(`Read the attached invoice document and extract the following fields.
Pick the accountTitle from this list only: [%s].
Reply with a single JSON object:
{"invoiceNumber": string, "vendor": string, "amount": integer (total in minor currency units, digits only), "issueDate": "YYYY-MM-DD", "accountTitle": string}`,
		strings.Join(knownAccountTitles, ", "))
}

func verificationPrompt(inv *domain.Invoice) string {
	return fmt.Sprintf(`Compare the attached invoice image against the claimed application data.

Claimed data:
- vendor: %s
- invoice number: %s
- amount: %d
- issue date: %s

Do the image contents and the claimed data match exactly?
Reply with a single JSON object: {"match": boolean, "reason": string}.
When they do not match, name the differing fields in the reason; when they match, say so briefly.`,
		inv.Vendor, inv.InvoiceNumber, inv.Amount, inv.IssueDate)
}

func categoryPrompt(inv *domain.Invoice, knownCategories []string) string {
	return fmt.Sprintf(`Based on the invoice details (vendor: %s, account title: %s),
pick the single most appropriate purchasing category from this list: [%s].
Reply with the category name only, nothing else.`,
		inv.Vendor, inv.AccountTitle, strings.Join(knownCategories, ", "))
}

func keyExtractionPrompt() string {
	return `Read the attached invoice document and find the invoice number.
Reply with a single JSON object: {"invoiceNumber": string}.
Use an empty string when no invoice number is readable.`
}

func fieldVerificationPrompt(record map[string]string, fields []Field) string {
	var sb strings.Builder
	sb.WriteString("Compare the attached invoice document against this record, field by field.\n\nRecord fields to verify:\n")
	for _, f := range fields {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", f.Label, record[f.Key]))
	}
	sb.WriteString("\nDo all listed fields match the document? Reply with a single JSON object: {\"match\": boolean, \"reason\": string}.")
	return sb.String()
}

func auditBatchPrompt(inv *domain.Invoice, scenarios []domain.AuditScenario, allInvoices []*domain.Invoice) (string, error) {
	target, err := marshalInvoiceSummary(inv)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("You are a compliance auditor. Evaluate the invoice below against each audit scenario.\n\nInvoice under audit:\n")
	sb.WriteString(target)
	sb.WriteString("\n\nScenarios:\n")
	for _, sc := range scenarios {
		sb.WriteString(fmt.Sprintf("\n[scenario %s] %s\nRule: %s\n", sc.ID, sc.Name, sc.Rule))
		for _, doc := range sc.Documents {
			sb.WriteString(fmt.Sprintf("Reference document %q:\n%s\n", doc.Name, doc.Content))
		}
	}

	if len(allInvoices) > 0 {
		sb.WriteString("\nFull invoice population for cross-invoice checks:\n")
		for _, other := range allInvoices {
			summary, err := marshalInvoiceSummary(other)
			if err != nil {
				return "", err
			}
			sb.WriteString(summary)
			sb.WriteString("\n")
		}
	}

	sb.WriteString(`
Reply with a single JSON object:
{"verdicts": [{"scenarioId": string, "result": "pass" or "fail", "comment": string}]}
Include exactly one verdict per scenario.`)
	return sb.String(), nil
}

func chatPrompt(prompt string, invoices []*domain.Invoice) (string, error) {
	var sb strings.Builder
	sb.WriteString("You are an assistant analyzing invoice approval data. Current invoices:\n")
	for _, inv := range invoices {
		summary, err := marshalInvoiceSummary(inv)
		if err != nil {
			return "", err
		}
		sb.WriteString(summary)
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(prompt)
	return sb.String(), nil
}

// invoiceSummary is the prompt-facing projection of an invoice. It omits the
// image reference and audit history to keep prompts small.
type invoiceSummary struct {
	ID                 string `json:"id"`
	ApplicantName      string `json:"applicantName"`
	ApplicantTitle     string `json:"applicantTitle,omitempty"`
	InvoiceNumber      string `json:"invoiceNumber"`
	Vendor             string `json:"vendor"`
	Amount             int64  `json:"amount"`
	IssueDate          string `json:"issueDate"`
	AccountTitle       string `json:"accountTitle"`
	PurchasingCategory string `json:"purchasingCategory,omitempty"`
	Status             string `json:"status"`
	ApprovedBy         string `json:"approvedBy,omitempty"`
	ApproverTitle      string `json:"approverTitle,omitempty"`
}

func marshalInvoiceSummary(inv *domain.Invoice) (string, error) {
	summary := invoiceSummary{
		ID:                 inv.ID,
		ApplicantName:      inv.Applicant.Name,
		ApplicantTitle:     inv.Applicant.Title,
		InvoiceNumber:      inv.InvoiceNumber,
		Vendor:             inv.Vendor,
		Amount:             inv.Amount,
		IssueDate:          inv.IssueDate,
		AccountTitle:       inv.AccountTitle,
		PurchasingCategory: inv.PurchasingCategory,
		Status:             inv.Status.String(),
	}
	// Authority-level scenarios need to know who approved and their title.
	for _, h := range inv.History {
		if h.Status == domain.StatusPendingVerification && h.Actor.Role == domain.RoleManager {
			summary.ApprovedBy = h.Actor.Name
			summary.ApproverTitle = h.Actor.Title
		}
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
