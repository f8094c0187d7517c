// Package report renders audit and workflow data as CSV exports and
// aggregate statistics.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/keiri-ai/be-invoice-approval/internal/audit"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// utf8BOM keeps spreadsheet tools from misreading multibyte text.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func writeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// InvoiceHistoryCSV exports every history entry of every invoice, one row
// per entry, oldest invoice first.
func InvoiceHistoryCSV(invoices []*domain.Invoice) ([]byte, error) {
	header := []string{"invoiceId", "invoiceNumber", "vendor", "amount", "status", "actor", "role", "timestamp", "comment"}

	var rows [][]string
	for _, inv := range invoices {
		for _, entry := range inv.History {
			rows = append(rows, []string{
				inv.ID,
				inv.InvoiceNumber,
				inv.Vendor,
				strconv.FormatInt(inv.Amount, 10),
				entry.Status.String(),
				entry.Actor.Name,
				string(entry.Actor.Role),
				entry.Timestamp.UTC().Format(time.RFC3339),
				entry.Comment,
			})
		}
	}
	return writeCSV(header, rows)
}

// AuditResultsCSV exports the recorded scenario verdicts of every invoice.
func AuditResultsCSV(invoices []*domain.Invoice) ([]byte, error) {
	header := []string{"invoiceId", "invoiceNumber", "scenarioId", "scenarioName", "result", "checkedAt", "checkedBy", "comment"}

	var rows [][]string
	for _, inv := range invoices {
		results := make([]domain.AuditResult, 0, len(inv.AuditHistory))
		for _, res := range inv.AuditHistory {
			results = append(results, res)
		}
		sort.Slice(results, func(i, j int) bool { return results[i].ScenarioID < results[j].ScenarioID })

		for _, res := range results {
			rows = append(rows, []string{
				inv.ID,
				inv.InvoiceNumber,
				res.ScenarioID,
				res.ScenarioName,
				string(res.Result),
				res.CheckedAt.UTC().Format(time.RFC3339),
				res.CheckedBy.Name,
				res.Comment,
			})
		}
	}
	return writeCSV(header, rows)
}

// IntegrityCSV exports one integrity run.
func IntegrityCSV(report *audit.IntegrityReport) ([]byte, error) {
	header := []string{"invoiceId", "invoiceNumber", "match", "reason"}

	rows := make([][]string, 0, len(report.Results))
	for _, res := range report.Results {
		rows = append(rows, []string{
			res.InvoiceID,
			res.InvoiceNumber,
			strconv.FormatBool(res.Match),
			res.Reason,
		})
	}
	return writeCSV(header, rows)
}

// ExternalCSV exports one external audit run.
func ExternalCSV(report *audit.ExternalAuditReport) ([]byte, error) {
	header := []string{"document", "invoiceNumber", "result", "reason"}

	rows := make([][]string, 0, len(report.Results))
	for _, res := range report.Results {
		rows = append(rows, []string{
			res.Document,
			res.Key,
			string(res.Result),
			res.Reason,
		})
	}
	return writeCSV(header, rows)
}

// DailyCorrections is the number of scrutinizer corrections completed on one
// day.
type DailyCorrections struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// CorrectionStats aggregates scrutinizer activity over completed invoices.
type CorrectionStats struct {
	Completed      int                `json:"completed"`
	Corrected      int                `json:"corrected"`
	CorrectionRate float64            `json:"correctionRate"`
	PerDay         []DailyCorrections `json:"perDay"`
}

// Corrections computes how often scrutinizers corrected the purchasing
// category, grouped by completion day.
func Corrections(invoices []*domain.Invoice) CorrectionStats {
	stats := CorrectionStats{}
	perDay := make(map[string]int)

	for _, inv := range invoices {
		if inv.Status != domain.StatusCompleted {
			continue
		}
		stats.Completed++
		if !inv.IsCorrectedByScrutinizer {
			continue
		}
		stats.Corrected++

		day := inv.UpdatedAt.UTC().Format("2006-01-02")
		if last := inv.LastHistory(); last != nil && !last.Timestamp.IsZero() {
			day = last.Timestamp.UTC().Format("2006-01-02")
		}
		perDay[day]++
	}

	if stats.Completed > 0 {
		stats.CorrectionRate = float64(stats.Corrected) / float64(stats.Completed)
	}

	days := make([]string, 0, len(perDay))
	for day := range perDay {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		stats.PerDay = append(stats.PerDay, DailyCorrections{Date: day, Count: perDay[day]})
	}
	return stats
}
