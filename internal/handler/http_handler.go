// Package handler exposes the approval workflow and audit operations over
// HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/audit"
	"github.com/keiri-ai/be-invoice-approval/internal/config"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
	"github.com/keiri-ai/be-invoice-approval/internal/llm"
	"github.com/keiri-ai/be-invoice-approval/internal/logger"
	"github.com/keiri-ai/be-invoice-approval/internal/report"
	"github.com/keiri-ai/be-invoice-approval/internal/workflow"
)

// maxUploadBytes bounds multipart uploads (documents and datasets).
const maxUploadBytes = 32 << 20

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	engine       *workflow.Engine
	orchestrator *audit.Orchestrator
	vocab        config.VocabConfig
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(engine *workflow.Engine, orchestrator *audit.Orchestrator, vocab config.VocabConfig, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:       engine,
		orchestrator: orchestrator,
		vocab:        vocab,
		log:          log,
	}
}

// Routes registers all endpoints on the mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/invoices", h.ListInvoices)
	mux.HandleFunc("POST /api/v1/invoices", h.SubmitInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.GetInvoice)
	mux.HandleFunc("POST /api/v1/invoices/extract", h.ExtractInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/approve", h.ApproveInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/reject", h.RejectInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/finalize", h.FinalizeInvoice)

	mux.HandleFunc("POST /api/v1/audits/bulk", h.RunBulkAudit)
	mux.HandleFunc("POST /api/v1/audits/integrity", h.RunIntegrityCheck)
	mux.HandleFunc("POST /api/v1/audits/external", h.RunExternalAudit)

	mux.HandleFunc("POST /api/v1/chat", h.Chat)

	mux.HandleFunc("GET /api/v1/exports/history", h.ExportHistory)
	mux.HandleFunc("GET /api/v1/exports/audits", h.ExportAudits)
	mux.HandleFunc("GET /api/v1/stats/corrections", h.CorrectionStats)
	mux.HandleFunc("GET /api/v1/vocab", h.Vocab)
}

// ── Invoices ──────────────────────────────────────────────────────────────────

type submitRequest struct {
	Actor         domain.User `json:"actor"`
	InvoiceNumber string      `json:"invoiceNumber"`
	Vendor        string      `json:"vendor"`
	Amount        int64       `json:"amount"`
	IssueDate     string      `json:"issueDate"`
	ImageRef      string      `json:"imageRef"`
	AccountTitle  string      `json:"accountTitle"`
	Comment       string      `json:"comment"`
}

// SubmitInvoice creates a new invoice awaiting manager approval.
func (h *HTTPHandler) SubmitInvoice(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	inv, err := h.engine.Submit(r.Context(), workflow.SubmitRequest{
		Actor:         req.Actor,
		InvoiceNumber: req.InvoiceNumber,
		Vendor:        req.Vendor,
		Amount:        req.Amount,
		IssueDate:     req.IssueDate,
		ImageRef:      req.ImageRef,
		AccountTitle:  req.AccountTitle,
		Comment:       req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inv)
}

// GetInvoice returns one invoice with its full history.
func (h *HTTPHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// ListInvoices returns all invoices ordered by creation time.
func (h *HTTPHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.engine.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"invoices": invoices,
		"total":    len(invoices),
	})
}

// ExtractInvoice reads invoice fields from an uploaded document to prefill
// the submission form.
func (h *HTTPHandler) ExtractInvoice(w http.ResponseWriter, r *http.Request) {
	file, err := readUpload(r, "file")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	extraction, err := h.engine.Extract(r.Context(), file, h.vocab.AccountTitles)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, extraction)
}

type decisionRequest struct {
	Actor              domain.User `json:"actor"`
	Comment            string      `json:"comment"`
	PurchasingCategory string      `json:"purchasingCategory"`
}

// ApproveInvoice advances an invoice past its current approval gate.
func (h *HTTPHandler) ApproveInvoice(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	inv, err := h.engine.Approve(r.Context(), workflow.ApproveRequest{
		Actor:           req.Actor,
		InvoiceID:       r.PathValue("id"),
		Comment:         req.Comment,
		KnownCategories: h.vocab.PurchasingCategories,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// RejectInvoice rejects an invoice at its current approval gate.
func (h *HTTPHandler) RejectInvoice(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	inv, err := h.engine.Reject(r.Context(), workflow.RejectRequest{
		Actor:     req.Actor,
		InvoiceID: r.PathValue("id"),
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// FinalizeInvoice completes an invoice after scrutiny.
func (h *HTTPHandler) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	inv, err := h.engine.Finalize(r.Context(), workflow.FinalizeRequest{
		Actor:              req.Actor,
		InvoiceID:          r.PathValue("id"),
		PurchasingCategory: req.PurchasingCategory,
		Comment:            req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// ── Audits ────────────────────────────────────────────────────────────────────

type bulkAuditRequest struct {
	Actor     domain.User            `json:"actor"`
	Scenarios []domain.AuditScenario `json:"scenarios"`
	Rerun     bool                   `json:"rerun"`
}

// RunBulkAudit evaluates the given scenarios against the invoice collection.
func (h *HTTPHandler) RunBulkAudit(w http.ResponseWriter, r *http.Request) {
	var req bulkAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}
	if len(req.Scenarios) == 0 {
		h.writeError(w, r, apperrors.InvalidInput("scenarios", "at least one scenario is required"))
		return
	}

	reportOut, err := h.orchestrator.RunBulkAudit(r.Context(), audit.BulkAuditRequest{
		Actor:     req.Actor,
		Scenarios: req.Scenarios,
		Rerun:     req.Rerun,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportOut)
}

// RunIntegrityCheck re-verifies stored invoices against their documents.
func (h *HTTPHandler) RunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SampleSize int `json:"sampleSize"`
	}
	// an empty body means "check everything"
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	reportOut, err := h.orchestrator.RunIntegrityCheck(r.Context(), audit.IntegrityRequest{
		SampleSize: req.SampleSize,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		data, err := report.IntegrityCSV(reportOut)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeCSV(w, "integrity.csv", data)
		return
	}
	h.writeJSON(w, http.StatusOK, reportOut)
}

// RunExternalAudit verifies uploaded documents against a CSV dataset. The
// multipart form carries the dataset under "dataset" and any number of
// documents under "documents".
func (h *HTTPHandler) RunExternalAudit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid multipart form"))
		return
	}

	datasetFile, _, err := r.FormFile("dataset")
	if err != nil {
		h.writeError(w, r, apperrors.InvalidInput("dataset", "dataset file is required"))
		return
	}
	defer datasetFile.Close()

	datasetCSV, err := io.ReadAll(io.LimitReader(datasetFile, maxUploadBytes))
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(err, apperrors.CodeInvalidInput, "read dataset"))
		return
	}

	var documents []llm.File
	for _, header := range r.MultipartForm.File["documents"] {
		f, err := header.Open()
		if err != nil {
			h.writeError(w, r, apperrors.Wrap(err, apperrors.CodeInvalidInput, "read document"))
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		f.Close()
		if err != nil {
			h.writeError(w, r, apperrors.Wrap(err, apperrors.CodeInvalidInput, "read document"))
			return
		}
		documents = append(documents, llm.File{
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	reportOut, err := h.orchestrator.RunExternalAudit(r.Context(), audit.ExternalAuditRequest{
		DatasetCSV: datasetCSV,
		Documents:  documents,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		data, err := report.ExternalCSV(reportOut)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeCSV(w, "external.csv", data)
		return
	}
	h.writeJSON(w, http.StatusOK, reportOut)
}

// ── Analysis and exports ──────────────────────────────────────────────────────

// Chat answers a free-text question about the invoice collection.
func (h *HTTPHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	answer, err := h.engine.ChatAnalyze(r.Context(), req.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// ExportHistory exports every history entry of every invoice as CSV.
func (h *HTTPHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.engine.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := report.InvoiceHistoryCSV(invoices)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeCSV(w, "invoice_history.csv", data)
}

// ExportAudits exports all recorded scenario verdicts as CSV.
func (h *HTTPHandler) ExportAudits(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.engine.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := report.AuditResultsCSV(invoices)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeCSV(w, "audit_results.csv", data)
}

// CorrectionStats returns scrutinizer correction statistics.
func (h *HTTPHandler) CorrectionStats(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.engine.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report.Corrections(invoices))
}

// Vocab returns the controlled vocabularies for client dropdowns.
func (h *HTTPHandler) Vocab(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{
		"accountTitles":        h.vocab.AccountTitles,
		"purchasingCategories": h.vocab.PurchasingCategories,
	})
}

// ── helpers ───────────────────────────────────────────────────────────────────

// readUpload pulls one multipart file from the request.
func readUpload(r *http.Request, field string) (llm.File, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return llm.File{}, apperrors.InvalidInput("body", "invalid multipart form")
	}

	f, header, err := r.FormFile(field)
	if err != nil {
		return llm.File{}, apperrors.InvalidInput(field, "file is required")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return llm.File{}, apperrors.Wrap(err, apperrors.CodeInvalidInput, "read upload")
	}

	return llm.File{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeCSV(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(code),
	})
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeUnauthorized:
		return http.StatusForbidden
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeAICall:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
