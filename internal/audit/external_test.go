package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/store"
)

const sampleCSV = "invoiceNumber,vendor,amount\nINV-1,Acme KK,90000\nINV-2,Globex,45000\n"

func TestParseDataset(t *testing.T) {
	ds, err := ParseDataset([]byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []string{"invoiceNumber", "vendor", "amount"}, ds.Columns())

	rec, ok := ds.Lookup("INV-2")
	require.True(t, ok)
	assert.Equal(t, "Globex", rec["vendor"])

	_, ok = ds.Lookup("INV-9")
	assert.False(t, ok)
}

func TestParseDatasetStripsBOM(t *testing.T) {
	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, []byte(sampleCSV)...)
	ds, err := ParseDataset(withBOM)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestParseDatasetRequiresKeyColumn(t *testing.T) {
	_, err := ParseDataset([]byte("vendor,amount\nAcme KK,90000\n"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
}

func TestExternalAuditPass(t *testing.T) {
	fake := &auditFake{
		key:       "INV-1",
		fieldsOut: &llm.Verification{Match: true, Reason: "all fields consistent"},
	}
	o := newTestOrchestrator(store.NewMemoryStore(), fake)

	report, err := o.RunExternalAudit(context.Background(), ExternalAuditRequest{
		DatasetCSV: []byte(sampleCSV),
		Documents:  []llm.File{{Name: "doc-1.png", MIMEType: "image/png", Data: []byte{1}}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Records)
	assert.Zero(t, report.Failures)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.VerdictPass, report.Results[0].Result)
	assert.Equal(t, "INV-1", report.Results[0].Key)
}

func TestExternalAuditUnreadableKeyFails(t *testing.T) {
	fake := &auditFake{key: ""}
	o := newTestOrchestrator(store.NewMemoryStore(), fake)

	report, err := o.RunExternalAudit(context.Background(), ExternalAuditRequest{
		DatasetCSV: []byte(sampleCSV),
		Documents:  []llm.File{{Name: "blurry.png", Data: []byte{1}}},
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.VerdictFail, report.Results[0].Result)
	assert.Contains(t, report.Results[0].Reason, "no readable invoice number")
}

func TestExternalAuditUnknownRecordFails(t *testing.T) {
	fake := &auditFake{key: "INV-404"}
	o := newTestOrchestrator(store.NewMemoryStore(), fake)

	report, err := o.RunExternalAudit(context.Background(), ExternalAuditRequest{
		DatasetCSV: []byte(sampleCSV),
		Documents:  []llm.File{{Name: "doc.png", Data: []byte{1}}},
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.VerdictFail, report.Results[0].Result)
	assert.Contains(t, report.Results[0].Reason, "not present in the dataset")
}

func TestExternalAuditContinuesAfterFailure(t *testing.T) {
	calls := 0
	// first doc fails field verification, second hits a backend error
	provider := providerFunc{
		extractKey: func() (string, error) {
			calls++
			if calls == 2 {
				return "", errors.New("backend unavailable")
			}
			return "INV-1", nil
		},
		verifyFields: func() (*llm.Verification, error) {
			return &llm.Verification{Match: false, Reason: "amount differs"}, nil
		},
	}
	o := newTestOrchestrator(store.NewMemoryStore(), provider)

	report, err := o.RunExternalAudit(context.Background(), ExternalAuditRequest{
		DatasetCSV: []byte(sampleCSV),
		Documents: []llm.File{
			{Name: "doc-1.png", Data: []byte{1}},
			{Name: "doc-2.png", Data: []byte{2}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Failures)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "amount differs", report.Results[0].Reason)
	assert.Contains(t, report.Results[1].Reason, "key extraction failed")
}

// providerFunc is a minimal provider for scripting individual operations.
type providerFunc struct {
	extractKey   func() (string, error)
	verifyFields func() (*llm.Verification, error)
}

func (p providerFunc) Extract(ctx context.Context, file llm.File, known []string) (*llm.Extraction, error) {
	return nil, errors.New("not scripted")
}

func (p providerFunc) Verify(ctx context.Context, inv *domain.Invoice) (*llm.Verification, error) {
	return nil, errors.New("not scripted")
}

func (p providerFunc) SuggestCategory(ctx context.Context, inv *domain.Invoice, known []string) (string, error) {
	return "", errors.New("not scripted")
}

func (p providerFunc) ExtractKey(ctx context.Context, file llm.File) (string, error) {
	return p.extractKey()
}

func (p providerFunc) VerifyFields(ctx context.Context, file llm.File, record map[string]string, fields []llm.Field) (*llm.Verification, error) {
	return p.verifyFields()
}

func (p providerFunc) AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, all []*domain.Invoice) ([]llm.ScenarioVerdict, error) {
	return nil, errors.New("not scripted")
}

func (p providerFunc) ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error) {
	return "", errors.New("not scripted")
}
