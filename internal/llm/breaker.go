package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/keiri-ai/be-invoice-approval/internal/domain"
)

// BreakerProvider wraps a Provider with a shared circuit breaker so a
// misbehaving backend fails fast instead of queueing timeouts. An open
// breaker surfaces as an AI call error, which callers already treat as a
// fail-closed outcome. The breaker never retries; retry is a caller decision.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerProvider wraps inner with a circuit breaker.
func NewBreakerProvider(inner Provider, timeout time.Duration, log zerolog.Logger) *BreakerProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "llm",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func execute[T any](b *BreakerProvider, fn func() (T, error)) (T, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (b *BreakerProvider) Extract(ctx context.Context, file File, knownAccountTitles []string) (*Extraction, error) {
	return execute(b, func() (*Extraction, error) {
		return b.inner.Extract(ctx, file, knownAccountTitles)
	})
}

func (b *BreakerProvider) Verify(ctx context.Context, inv *domain.Invoice) (*Verification, error) {
	return execute(b, func() (*Verification, error) {
		return b.inner.Verify(ctx, inv)
	})
}

func (b *BreakerProvider) SuggestCategory(ctx context.Context, inv *domain.Invoice, knownCategories []string) (string, error) {
	return execute(b, func() (string, error) {
		return b.inner.SuggestCategory(ctx, inv, knownCategories)
	})
}

func (b *BreakerProvider) ExtractKey(ctx context.Context, file File) (string, error) {
	return execute(b, func() (string, error) {
		return b.inner.ExtractKey(ctx, file)
	})
}

func (b *BreakerProvider) VerifyFields(ctx context.Context, file File, record map[string]string, fields []Field) (*Verification, error) {
	return execute(b, func() (*Verification, error) {
		return b.inner.VerifyFields(ctx, file, record, fields)
	})
}

func (b *BreakerProvider) AuditBatch(ctx context.Context, inv *domain.Invoice, scenarios []domain.AuditScenario, allInvoices []*domain.Invoice) ([]ScenarioVerdict, error) {
	return execute(b, func() ([]ScenarioVerdict, error) {
		return b.inner.AuditBatch(ctx, inv, scenarios, allInvoices)
	})
}

func (b *BreakerProvider) ChatAnalyze(ctx context.Context, prompt string, invoices []*domain.Invoice) (string, error) {
	return execute(b, func() (string, error) {
		return b.inner.ChatAnalyze(ctx, prompt, invoices)
	})
}
