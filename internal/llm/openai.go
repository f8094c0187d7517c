package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keiri-ai/be-invoice-approval/internal/apperrors"
	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// OpenAIProvider implements Provider on top of the OpenAI chat completions
// API. With UseAzure it talks to an Azure OpenAI deployment instead.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	UseAzure bool
}

// NewOpenAIProvider creates the OpenAI-backed provider.
func NewOpenAIProvider(cfg OpenAIConfig, log zerolog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}

	var clientConfig openai.ClientConfig
	if cfg.UseAzure {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: base url is required for azure")
		}
		clientConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	} else {
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		log:    log.With().Str("component", "llm").Str("provider", "openai").Logger(),
	}, nil
}

// Extract reads structured invoice fields from a document.
func (p *OpenAIProvider) Extract(ctx context.Context, file File, knownAccountTitles []string) (*Extraction, error) {
	content, err := p.completeWithImage(ctx, "extract", extractionPrompt(knownAccountTitles), dataURL(file), true)
	if err != nil {
		return nil, apperrors.AICall(err, "extract")
	}

	var out Extraction
	if err := unmarshalLoose(content, &out); err != nil {
		return nil, apperrors.AICall(err, "extract")
	}
	return &out, nil
}

// Verify compares the invoice's claimed fields against its source image.
func (p *OpenAIProvider) Verify(ctx context.Context, inv *domain.Invoice) (*Verification, error) {
	content, err := p.completeWithImage(ctx, "verify", verificationPrompt(inv), inv.ImageRef, true)
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
func (p *OpenAIProvider) SuggestCategory(ctx context.Context, inv *domain.Invoice, knownCategories []string) (string, error) {
	if len(knownCategories) == 0 {
		return "", apperrors.InvalidInput("knownCategories", "category list is empty")
	}

	content, err := p.complete(ctx, "suggest_category", categoryPrompt(inv, knownCategories), false)
	if err != nil {
		return "", apperrors.AICall(err, "suggest_category")
	}
	return normalizeCategory(content, knownCategories), nil
}

// ExtractKey reads the invoice number from a document.
func (p *OpenAIProvider) ExtractKey(ctx context.Context, file File) (string, error) {
	content, err := p.completeWithImage(ctx, "extract_key", keyExtractionPrompt(), dataURL(file), true)
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
func (p *OpenAIProvider) VerifyFields(ctx context.Context, file File, record map[string]string, fields []Field) (*Verification, error) {
	content, err := p.completeWithImage(ctx, "verify_fields", fieldVerificationPrompt(record, fields), dataURL(file), true)
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
func (p *OpenAIProvider) AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, allInvoices []*domain.Invoice) ([]ScenarioVerdict, error) {
	prompt, err := auditBatchPrompt(inv, scenarios, allInvoices)
	if err != nil {
		return nil, apperrors.AICall(err, "audit_batch")
	}

	content, err := p.complete(ctx, "audit_batch", prompt, true)
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
func (p *OpenAIProvider) ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error) {
	full, err := chatPrompt(prompt, invoices)
	if err != nil {
		return "", apperrors.AICall(err, "chat_analyze")
	}

	content, err := p.complete(ctx, "chat_analyze", full, false)
	if err != nil {
		return "", apperrors.AICall(err, "chat_analyze")
	}
	return content, nil
}

// ── request helpers ───────────────────────────────────────────────────────────

func (p *OpenAIProvider) complete(ctx context.Context, operation, prompt string, jsonMode bool) (string, error) {
	return p.send(ctx, operation, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, jsonMode)
}

func (p *OpenAIProvider) completeWithImage(ctx context.Context, operation, prompt, imageURL string, jsonMode bool) (string, error) {
	return p.send(ctx, operation, []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
			},
		},
	}, jsonMode)
}

func (p *OpenAIProvider) send(ctx context.Context, operation string, messages []openai.ChatCompletionMessage, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.log.Warn().Err(err).
			Str("operation", operation).
			Dur("elapsed", time.Since(start)).
			Msg("LLM request failed")
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	p.log.Debug().
		Str("operation", operation).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("LLM request completed")

	return resp.Choices[0].Message.Content, nil
}

// dataURL inlines file bytes as a data URL for image message parts.
func dataURL(file File) string {
	mime := file.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(file.Data))
}
