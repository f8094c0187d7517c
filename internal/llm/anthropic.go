package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"github.com/rs/zerolog"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// AnthropicProvider implements Provider on top of the Anthropic messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	http   *http.Client
	log    zerolog.Logger
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// NewAnthropicProvider creates the Anthropic-backed provider.
func NewAnthropicProvider(cfg AnthropicConfig, log zerolog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(cfg.APIKey),
		model:  cfg.Model,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("component", "llm").Str("provider", "anthropic").Logger(),
	}, nil
}

// Extract reads structured invoice fields from a document.
func (p *AnthropicProvider) Extract(ctx context.Context, file File, knownAccountTitles []string) (*Extraction, error) {
	content, err := p.sendWithImage(ctx, "extract", extractionPrompt(knownAccountTitles), file.MIMEType, file.Data)
	if err != nil {
		return nil, apperrors.AICall(err, "extract")
	}

	var out Extraction
	if err := unmarshalLoose(content, &out); err != nil {
		return nil, apperrors.AICall(err, "extract")
	}
	return &out, nil
}

// Verify compares the invoice's claimed fields against its source image. The
// image is fetched from the invoice's image reference.
func (p *AnthropicProvider) Verify(ctx context.Context, inv *domain.Invoice) (*Verification, error) {
	mime, data, err := p.fetchImage(ctx, inv.ImageRef)
	if err != nil {
		return nil, apperrors.AICall(err, "verify")
	}

	content, err := p.sendWithImage(ctx, "verify", verificationPrompt(inv), mime, data)
	if err != nil {
		return nil, apperrors.AICall(err, "verify")
	}

	var out Verification
	if err := unmarshalLoose(content, &out); err != nil {
		return nil, apperrors.AICall(err, "verify")
	}
	return &out, nil
}

// SuggestCategory picks a purchasing category from knownCategories.
func (p *AnthropicProvider) SuggestCategory(ctx context.Context, inv *domain.Invoice, knownCategories []string) (string, error) {
	if len(knownCategories) == 0 {
		return "", apperrors.InvalidInput("knownCategories", "category list is empty")
	}

	content, err := p.sendText(ctx, "suggest_category", categoryPrompt(inv, knownCategories))
	if err != nil {
		return "", apperrors.AICall(err, "suggest_category")
	}
	return normalizeCategory(content, knownCategories), nil
}

// ExtractKey reads the invoice number from a document.
func (p *AnthropicProvider) ExtractKey(ctx context.Context, file File) (string, error) {
	content, err := p.sendWithImage(ctx, "extract_key", keyExtractionPrompt(), file.MIMEType, file.Data)
	if err != nil {
		return "", apperrors.AICall(err, "extract_key")
	}

	var out struct {
		InvoiceNumber string `json:"invoiceNumber"`
	}
	if err := unmarshalLoose(content, &out); err != nil {
		return "", apperrors.AICall(err, "extract_key")
	}
	return strings.TrimSpace(out.InvoiceNumber), nil
}

// VerifyFields checks the listed record fields against a document.
func (p *AnthropicProvider) VerifyFields(ctx context.Context, file File, record map[string]string, fields []Field) (*Verification, error) {
	content, err := p.sendWithImage(ctx, "verify_fields", fieldVerificationPrompt(record, fields), file.MIMEType, file.Data)
	if err != nil {
		return nil, apperrors.AICall(err, "verify_fields")
	}

	var out Verification
	if err := unmarshalLoose(content, &out); err != nil {
		return nil, apperrors.AICall(err, "verify_fields")
	}
	return &out, nil
}

// AuditBatch evaluates all scenarios against one invoice in a single call.
func (p *AnthropicProvider) AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, allInvoices []*domain.Invoice) ([]ScenarioVerdict, error) {
	prompt, err := auditBatchPrompt(inv, scenarios, allInvoices)
	if err != nil {
		return nil, apperrors.AICall(err, "audit_batch")
	}

	content, err := p.sendText(ctx, "audit_batch", prompt)
	if err != nil {
		return nil, apperrors.AICall(err, "audit_batch")
	}

	var out struct {
		Verdicts []ScenarioVerdict `json:"verdicts"`
	}
	if err := unmarshalLoose(content, &out); err != nil {
		return nil, apperrors.AICall(err, "audit_batch")
	}
	return out.Verdicts, nil
}

// ChatAnalyze answers a free-text question about the given invoices.
func (p *AnthropicProvider) ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error) {
	full, err := chatPrompt(prompt, invoices)
	if err != nil {
		return "", apperrors.AICall(err, "chat_analyze")
	}

	content, err := p.sendText(ctx, "chat_analyze", full)
	if err != nil {
		return "", apperrors.AICall(err, "chat_analyze")
	}
	return content, nil
}

// ── request helpers ───────────────────────────────────────────────────────────

func (p *AnthropicProvider) sendText(ctx context.Context, operation, prompt string) (string, error) {
	return p.send(ctx, operation, []anthropic.MessageContent{
		{Type: anthropic.MessagesContentTypeText, Text: &prompt},
	})
}

func (p *AnthropicProvider) sendWithImage(ctx context.Context, operation, prompt, mimeType string, data []byte) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return p.send(ctx, operation, []anthropic.MessageContent{
		{
			Type: anthropic.MessagesContentTypeImage,
			Source: &anthropic.MessageContentSource{
				Type:      anthropic.MessagesContentSourceTypeBase64,
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		},
		{Type: anthropic.MessagesContentTypeText, Text: &prompt},
	})
}

func (p *AnthropicProvider) send(ctx context.Context, operation string, content []anthropic.MessageContent) (string, error) {
	start := time.Now()
	resp, err := p.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(p.model),
		MaxTokens: 2000,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: content},
		},
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("operation", operation).
			Dur("elapsed", time.Since(start)).
			Msg("LLM request failed")
		return "", err
	}

	p.log.Debug().
		Str("operation", operation).
		Dur("elapsed", time.Since(start)).
		Msg("LLM request completed")

	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			return *block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

// fetchImage downloads the invoice source image for verification.
func (p *AnthropicProvider) fetchImage(ctx context.Context, ref string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", nil, fmt.Errorf("fetch image %s: %w", ref, err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch image %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch image %s: status %s", ref, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return "", nil, fmt.Errorf("fetch image %s: %w", ref, err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return mime, data, nil
}
