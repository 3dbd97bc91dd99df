package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"extractflow/internal/runstore"
)

const (
	jsonResponseType      = "json_object"
	defaultHTTPTimeout    = 120 * time.Second
	defaultOpenRouterURL  = "https://openrouter.ai/api/v1/chat/completions"
	openRouterComponent   = "openrouter"
	openRouterExtractOp   = "extract"
	defaultMaxTokens      = 4096
	maxRetryAfterAccepted = time.Minute
)

// OpenRouterConfig captures the settings required to talk to OpenRouter.
type OpenRouterConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Referer   string
	Title     string
	MaxTokens int
}

// OpenRouter wraps the OpenRouter chat completion API.
type OpenRouter struct {
	cfg        OpenRouterConfig
	httpClient *http.Client
}

// Option customizes the OpenRouter client.
type Option func(*OpenRouter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *OpenRouter) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewOpenRouter constructs an OpenRouter extractor.
func NewOpenRouter(cfg OpenRouterConfig, opts ...Option) *OpenRouter {
	client := &OpenRouter{
		cfg: OpenRouterConfig{
			APIKey:    strings.TrimSpace(cfg.APIKey),
			BaseURL:   strings.TrimSpace(cfg.BaseURL),
			Model:     strings.TrimSpace(cfg.Model),
			Referer:   strings.TrimSpace(cfg.Referer),
			Title:     strings.TrimSpace(cfg.Title),
			MaxTokens: cfg.MaxTokens,
		},
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultOpenRouterURL
	}
	if client.cfg.MaxTokens <= 0 {
		client.cfg.MaxTokens = defaultMaxTokens
	}
	return client
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type emptyContentError struct {
	FinishReason string
	Refusal      string
	Snippet      string
}

func (e *emptyContentError) Error() string {
	return fmt.Sprintf("empty content (finish_reason=%q, refusal=%q, response_snippet=%s)", e.FinishReason, e.Refusal, e.Snippet)
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format"`
	Usage          map[string]bool   `json:"usage,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
		// Some providers return the streaming schema (delta) even when stream=false.
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type chatUsage struct {
	PromptTokens            *int64 `json:"prompt_tokens"`
	CompletionTokens        *int64 `json:"completion_tokens"`
	TotalTokens             *int64 `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens *int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type chatCompletionMessage struct {
	Content   string `json:"content"`
	Refusal   string `json:"refusal"`
	ToolCalls []struct {
		Function struct {
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

// Extract issues one JSON-mode chat completion and parses its entities.
func (c *OpenRouter) Extract(ctx context.Context, req Request) (Response, error) {
	var empty Response
	if c.cfg.APIKey == "" {
		return empty, permanent(openRouterComponent, openRouterExtractOp, errors.New("api key required"))
	}
	if strings.TrimSpace(req.Document) == "" {
		return empty, permanent(openRouterComponent, openRouterExtractOp, errors.New("document required"))
	}
	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: BuildUserPrompt(req.Prompt, req.Document)},
		},
		Temperature:    0,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: map[string]string{"type": jsonResponseType},
		Usage:          map[string]bool{"include": true},
	}

	completion, body, err := c.send(ctx, payload)
	if err != nil {
		return empty, err
	}
	content, finishReason := completionContent(completion)
	if content == "" {
		err := &emptyContentError{
			FinishReason: finishReason,
			Refusal:      completionRefusal(completion),
			Snippet:      summarizePayloadSnippet(string(body)),
		}
		return empty, transient(openRouterComponent, openRouterExtractOp, err)
	}
	entities, err := ParseEntities(content)
	if err != nil {
		return empty, permanent(openRouterComponent, openRouterExtractOp, err)
	}
	return Response{
		Entities: entities,
		Usage:    completion.Usage.tokenUsage(),
		Model:    firstNonEmpty(completion.Model, c.cfg.Model),
	}, nil
}

// tokenUsage maps OpenAI-style usage onto input/output/reasoning. OpenRouter
// counts reasoning inside completion_tokens, so it is split back out to keep
// input + output + reasoning equal to the reported total.
func (u *chatUsage) tokenUsage() runstore.TokenUsage {
	if u == nil {
		return runstore.TokenUsage{}
	}
	usage := runstore.TokenUsage{
		Input:  u.PromptTokens,
		Output: u.CompletionTokens,
		Total:  u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens != nil {
		reasoning := *u.CompletionTokensDetails.ReasoningTokens
		usage.Reasoning = runstore.Int64(reasoning)
		if u.CompletionTokens != nil {
			usage.Output = runstore.Int64(*u.CompletionTokens - reasoning)
		}
	}
	return usage
}

func (c *OpenRouter) send(ctx context.Context, payload chatCompletionRequest) (chatCompletionResponse, []byte, error) {
	var completion chatCompletionResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return completion, nil, permanent(openRouterComponent, "encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return completion, nil, permanent(openRouterComponent, "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return completion, nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return completion, nil, transient(openRouterComponent, "http", fmt.Errorf("timeout=%s: %w", c.httpClient.Timeout, err))
		}
		return completion, nil, transient(openRouterComponent, "http", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return completion, nil, transient(openRouterComponent, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if !retryableStatus(resp.StatusCode) {
			return completion, body, permanent(openRouterComponent, openRouterExtractOp, statusErr)
		}
		wrapped := transient(openRouterComponent, openRouterExtractOp, statusErr)
		if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return completion, body, &retryAfterError{err: wrapped, delay: delay}
		}
		return completion, body, wrapped
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return completion, body, permanent(openRouterComponent, "decode response", err)
	}
	if completion.Error != nil {
		apiErr := fmt.Errorf("api error: %s", strings.TrimSpace(completion.Error.Message))
		if retryableStatus(completion.Error.Code) {
			return completion, body, transient(openRouterComponent, openRouterExtractOp, apiErr)
		}
		return completion, body, permanent(openRouterComponent, openRouterExtractOp, apiErr)
	}
	return completion, body, nil
}

func completionContent(completion chatCompletionResponse) (string, string) {
	var finishReason string
	for _, choice := range completion.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		if content := firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, finishReason
		}
		for _, call := range choice.Message.ToolCalls {
			if args := strings.TrimSpace(call.Function.Arguments); args != "" {
				return args, finishReason
			}
		}
	}
	return "", finishReason
}

func completionRefusal(completion chatCompletionResponse) string {
	for _, choice := range completion.Choices {
		if refusal := firstNonEmpty(choice.Message.Refusal, choice.Delta.Refusal); refusal != "" {
			return refusal
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	var delay time.Duration
	if seconds, err := strconv.Atoi(value); err == nil {
		delay = time.Duration(seconds) * time.Second
	} else if when, err := http.ParseTime(value); err == nil {
		delay = time.Until(when)
	} else {
		return 0, false
	}
	if delay <= 0 {
		return 0, false
	}
	if delay > maxRetryAfterAccepted {
		delay = maxRetryAfterAccepted
	}
	return delay, true
}
