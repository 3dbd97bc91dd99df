package extractor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"extractflow/internal/runstore"
)

const anthropicComponent = "anthropic"

// AnthropicConfig configures the Anthropic Messages API backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic builds the backend. SDK retries are disabled; the run
// controller owns retry policy.
func NewAnthropic(cfg AnthropicConfig, httpClient *http.Client) (*Anthropic, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, permanent(anthropicComponent, "init", errors.New("api key required"))
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(strings.TrimSpace(cfg.Model)),
		maxTokens: maxTokens,
	}, nil
}

// Extract sends one message and parses the text blocks of the reply.
func (a *Anthropic) Extract(ctx context.Context, req Request) (Response, error) {
	var empty Response
	if strings.TrimSpace(req.Document) == "" {
		return empty, permanent(anthropicComponent, "extract", errors.New("document required"))
	}
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildUserPrompt(req.Prompt, req.Document))),
		},
	})
	if err != nil {
		return empty, classifyAnthropicError(ctx, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return empty, transient(anthropicComponent, "extract", errors.New("no text content in response"))
	}
	entities, err := ParseEntities(text.String())
	if err != nil {
		return empty, permanent(anthropicComponent, "extract", err)
	}
	// The Messages API folds extended thinking into output_tokens and reports no total.
	return Response{
		Entities: entities,
		Usage: runstore.TokenUsage{
			Input:  runstore.Int64(message.Usage.InputTokens),
			Output: runstore.Int64(message.Usage.OutputTokens),
		},
		Model: string(message.Model),
	}, nil
}

func classifyAnthropicError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(anthropicComponent, "extract", err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.StatusCode) || apiErr.StatusCode == 529 {
			return transient(anthropicComponent, "extract", err)
		}
		return permanent(anthropicComponent, "extract", err)
	}
	return transient(anthropicComponent, "extract", err)
}
