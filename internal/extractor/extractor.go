package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"extractflow/internal/config"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Request is one extraction call.
type Request struct {
	RunID    string
	Prompt   string
	Document string
}

// Entity is a raw entity as returned by the model, before indexing.
type Entity struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Response carries extracted entities in model output order plus usage.
type Response struct {
	Entities []Entity
	Usage    runstore.TokenUsage
	Model    string
}

// Extractor is the black-box LLM call behind every extraction run.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Response, error)
}

// NewFromConfig builds the extractor selected by llm.provider.
func NewFromConfig(cfg *config.Config) (Extractor, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "extractor", "init", "config required", nil)
	}
	if err := cfg.ValidateExtractor(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "extractor", "init", "", err)
	}
	httpClient := &http.Client{Timeout: cfg.LLMTimeout()}
	switch cfg.LLM.Provider {
	case config.ProviderOpenRouter:
		return NewOpenRouter(OpenRouterConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			Referer:   cfg.LLM.Referer,
			Title:     cfg.LLM.Title,
			MaxTokens: cfg.LLM.MaxTokens,
		}, WithHTTPClient(httpClient)), nil
	case config.ProviderAnthropic:
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		}, httpClient)
	case config.ProviderOllama:
		return NewOllama(OllamaConfig{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, httpClient)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "extractor", "init", fmt.Sprintf("unsupported provider %q", cfg.LLM.Provider), nil)
	}
}

// retryAfterError carries a server-suggested delay alongside a transient error.
type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }

func (e *retryAfterError) Unwrap() error { return e.err }

// RetryAfter returns the delay a backend asked for before the next attempt.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) && ra.delay > 0 {
		return ra.delay, true
	}
	return 0, false
}

func transient(component, op string, err error) error {
	return services.Wrap(services.ErrTransient, component, op, "", err)
}

func permanent(component, op string, err error) error {
	return services.Wrap(services.ErrExternalTool, component, op, "", err)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}
