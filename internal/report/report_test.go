package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-ai/be-invoice-approval/internal/audit"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

func parseCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}), "export must carry a UTF-8 BOM")

	records, err := csv.NewReader(bytes.NewReader(data[3:])).ReadAll()
	require.NoError(t, err)
	return records
}

func completedInvoice(id, number string, corrected bool, completedAt time.Time) *domain.Invoice {
	inv := &domain.Invoice{
		ID:            id,
		InvoiceNumber: number,
		Vendor:        "Acme KK",
		Amount:        90_000,
		Status:        domain.StatusCompleted,
		AccountTitle:  "consumables",
		History: []domain.HistoryEntry{
			{
				Status:    domain.StatusPendingManagerApproval,
				Actor:     domain.User{Name: "Sato", Role: domain.RoleApplicant},
				Timestamp: completedAt.Add(-48 * time.Hour),
			},
			{
				Status:    domain.StatusCompleted,
				Actor:     domain.User{Name: "Yamada", Role: domain.RoleScrutinizer},
				Timestamp: completedAt,
				Comment:   "done",
			},
		},
		UpdatedAt: completedAt,
	}
	inv.IsCorrectedByScrutinizer = corrected
	return inv
}

func TestInvoiceHistoryCSV(t *testing.T) {
	inv := completedInvoice("id-1", "INV-1", false, time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC))

	data, err := InvoiceHistoryCSV([]*domain.Invoice{inv})
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 3)
	assert.Equal(t, "invoiceId", records[0][0])
	assert.Equal(t, "INV-1", records[1][1])
	assert.Equal(t, "pending_manager_approval", records[1][4])
	assert.Equal(t, "completed", records[2][4])
	assert.Equal(t, "Yamada", records[2][5])
}

func TestAuditResultsCSVSortsByScenario(t *testing.T) {
	inv := completedInvoice("id-1", "INV-1", false, time.Now())
	inv.AuditHistory = map[string]domain.AuditResult{
		"sc-b": {ScenarioID: "sc-b", ScenarioName: "split orders", Result: domain.VerdictFail, Comment: "suspicious"},
		"sc-a": {ScenarioID: "sc-a", ScenarioName: "amount threshold", Result: domain.VerdictPass},
	}

	data, err := AuditResultsCSV([]*domain.Invoice{inv})
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 3)
	assert.Equal(t, "sc-a", records[1][2])
	assert.Equal(t, "sc-b", records[2][2])
	assert.Equal(t, "fail", records[2][4])
}

func TestIntegrityCSV(t *testing.T) {
	data, err := IntegrityCSV(&audit.IntegrityReport{
		Results: []audit.IntegrityResult{
			{InvoiceID: "id-1", InvoiceNumber: "INV-1", Match: true, Reason: "consistent"},
			{InvoiceID: "id-2", InvoiceNumber: "INV-2", Match: false, Reason: "amount differs"},
		},
	})
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 3)
	assert.Equal(t, "true", records[1][2])
	assert.Equal(t, "false", records[2][2])
}

func TestExternalCSV(t *testing.T) {
	data, err := ExternalCSV(&audit.ExternalAuditReport{
		Results: []audit.ExternalResult{
			{Document: "doc-1.png", Key: "INV-1", Result: domain.VerdictPass, Reason: "ok"},
		},
	})
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 2)
	assert.Equal(t, "doc-1.png", records[1][0])
	assert.Equal(t, "pass", records[1][2])
}

func TestCorrections(t *testing.T) {
	day1 := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 11, 15, 0, 0, 0, time.UTC)

	invoices := []*domain.Invoice{
		completedInvoice("id-1", "INV-1", true, day1),
		completedInvoice("id-2", "INV-2", true, day2),
		completedInvoice("id-3", "INV-3", true, day2),
		completedInvoice("id-4", "INV-4", false, day2),
		{ID: "id-5", Status: domain.StatusPendingScrutiny},
	}

	stats := Corrections(invoices)
	assert.Equal(t, 4, stats.Completed)
	assert.Equal(t, 3, stats.Corrected)
	assert.InDelta(t, 0.75, stats.CorrectionRate, 1e-9)
	require.Len(t, stats.PerDay, 2)
	assert.Equal(t, DailyCorrections{Date: "2026-08-10", Count: 1}, stats.PerDay[0])
	assert.Equal(t, DailyCorrections{Date: "2026-08-11", Count: 2}, stats.PerDay[1])
}

func TestCorrectionsEmpty(t *testing.T) {
	stats := Corrections(nil)
	assert.Zero(t, stats.Completed)
	assert.Zero(t, stats.CorrectionRate)
	assert.Empty(t, stats.PerDay)
}
