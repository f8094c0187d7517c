package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
)

// keyColumn indexes dataset records. Every external dataset must carry it.
const keyColumn = "invoiceNumber"

// Dataset is a keyed set of external records loaded from CSV.
type Dataset struct {
	records map[string]map[string]string
	columns []string
}

// Lookup returns the record for the given key.
func (d *Dataset) Lookup(key string) (map[string]string, bool) {
	rec, ok := d.records[strings.TrimSpace(key)]
	return rec, ok
}

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.records) }

// Columns returns the dataset's column names in file order.
func (d *Dataset) Columns() []string { return d.columns }

// ParseDataset reads a CSV dataset. The header row names the columns and must
// include the invoice number key column; a leading UTF-8 BOM is tolerated.
func ParseDataset(data []byte) (*Dataset, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, apperrors.InvalidInput("dataset", "missing header row")
	}

	keyIdx := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
		if header[i] == keyColumn {
			keyIdx = i
		}
	}
	if keyIdx < 0 {
		return nil, apperrors.InvalidInput("dataset", fmt.Sprintf("missing %q column", keyColumn))
	}

	ds := &Dataset{
		records: make(map[string]map[string]string),
		columns: header,
	}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInvalidInput, "malformed dataset row")
		}

		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = strings.TrimSpace(row[i])
			}
		}
		key := record[keyColumn]
		if key == "" {
			continue
		}
		ds.records[key] = record
	}
	return ds, nil
}

// ── External document audit ───────────────────────────────────────────────────

// ExternalAuditRequest checks uploaded documents against an external dataset.
type ExternalAuditRequest struct {
	DatasetCSV []byte
	Documents  []llm.File

	// Fields lists the record attributes to verify. Empty means every
	// dataset column except the key.
	Fields []llm.Field
}

// ExternalResult is the outcome for one document. Every document produces a
// result; unreadable or unmatched documents fail with a reason rather than
// being skipped.
type ExternalResult struct {
	Document string              `json:"document"`
	Key      string              `json:"key,omitempty"`
	Result   domain.AuditVerdict `json:"result"`
	Reason   string              `json:"reason"`
}

// ExternalAuditReport summarizes one external run.
type ExternalAuditReport struct {
	Records    int              `json:"records"`
	Documents  int              `json:"documents"`
	Failures   int              `json:"failures"`
	Results    []ExternalResult `json:"results"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// RunExternalAudit verifies each document against the dataset record it
// names. For each document the invoice number is extracted, the record looked
// up, and the listed fields verified against the document image.
func (o *Orchestrator) RunExternalAudit(ctx context.Context, req ExternalAuditRequest) (*ExternalAuditReport, error) {
	start := o.now()

	if len(req.Documents) == 0 {
		return nil, apperrors.InvalidInput("documents", "at least one document is required")
	}
	dataset, err := ParseDataset(req.DatasetCSV)
	if err != nil {
		return nil, err
	}

	fields := req.Fields
	if len(fields) == 0 {
		for _, col := range dataset.Columns() {
			if col == keyColumn {
				continue
			}
			fields = append(fields, llm.Field{Key: col, Label: col})
		}
	}

	o.log.Info().
		Int("records", dataset.Len()).
		Int("documents", len(req.Documents)).
		Msg("External audit started")

	report := &ExternalAuditReport{
		Records:   dataset.Len(),
		Documents: len(req.Documents),
		StartedAt: start,
	}

	for _, doc := range req.Documents {
		result := o.auditDocument(ctx, doc, dataset, fields)
		if result.Result == domain.VerdictFail {
			report.Failures++
		}
		report.Results = append(report.Results, result)
	}

	report.FinishedAt = o.now()

	o.log.Info().
		Int("documents", report.Documents).
		Int("failures", report.Failures).
		Dur("elapsed", report.FinishedAt.Sub(start)).
		Msg("External audit finished")

	o.metrics.RecordAuditRun("external", "completed", report.FinishedAt.Sub(start))
	return report, nil
}

func (o *Orchestrator) auditDocument(ctx context.Context, doc llm.File, dataset *Dataset, fields []llm.Field) ExternalResult {
	result := ExternalResult{Document: doc.Name}

	key, err := o.provider.ExtractKey(ctx, doc)
	if err != nil {
		o.metrics.RecordLLMFailure("extract_key")
		result.Result = domain.VerdictFail
		result.Reason = "key extraction failed: " + err.Error()
		return result
	}
	if key == "" {
		result.Result = domain.VerdictFail
		result.Reason = "no readable invoice number in the document"
		return result
	}
	result.Key = key

	record, ok := dataset.Lookup(key)
	if !ok {
		result.Result = domain.VerdictFail
		result.Reason = fmt.Sprintf("invoice number %q not present in the dataset", key)
		return result
	}

	verification, err := o.provider.VerifyFields(ctx, doc, record, fields)
	if err != nil {
		o.metrics.RecordLLMFailure("verify_fields")
		result.Result = domain.VerdictFail
		result.Reason = "field verification failed: " + err.Error()
		return result
	}

	if verification.Match {
		result.Result = domain.VerdictPass
	} else {
		result.Result = domain.VerdictFail
	}
	result.Reason = verification.Reason
	return result
}
